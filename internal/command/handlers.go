package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/state"
)

const (
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdSetReading  = "set-reading"
	CmdTemperature = "temperature" // legacy name of set-reading
	CmdUpload      = "upload"
)

const setReadingFailed = "Set Temperature Failed: Temperature not passed in or not a number"

var ErrNotANumber = errors.New("payload is not a number")

// Uploader is the part of devsim.Connector the upload command needs.
type Uploader interface {
	UploadBlob(ctx context.Context, localResourceID string) (string, error)
}

type handlers struct {
	state       *state.DeviceState
	uploader    Uploader
	defaultFile string
}

// RegisterDefaults installs start, stop, set-reading (and its alias) and
// upload on d.
func RegisterDefaults(d *Dispatcher, st *state.DeviceState, up Uploader, defaultFile string) error {
	h := &handlers{state: st, uploader: up, defaultFile: defaultFile}
	for name, fn := range map[string]devsim.CommandHandler{
		CmdStart:       h.start,
		CmdStop:        h.stop,
		CmdSetReading:  h.setReading,
		CmdTemperature: h.setReading,
		CmdUpload:      h.upload,
	} {
		if err := d.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) start(context.Context, devsim.CommandRequest) devsim.CommandResult {
	h.state.SetPublishEnabled(true)
	return devsim.Succeeded("Start Succeeded")
}

func (h *handlers) stop(context.Context, devsim.CommandRequest) devsim.CommandResult {
	h.state.SetPublishEnabled(false)
	return devsim.Succeeded("Stop Succeeded")
}

func (h *handlers) setReading(_ context.Context, req devsim.CommandRequest) devsim.CommandResult {
	v, err := ParseReading(req.Payload)
	if err != nil {
		return devsim.Failed(devsim.StatusBadRequest, setReadingFailed)
	}
	h.state.SetReading(v)
	res := devsim.Succeeded("Set Temperature Succeeded")
	res.Payload = map[string]any{"temperature": v}
	return res
}

func (h *handlers) upload(ctx context.Context, req devsim.CommandRequest) devsim.CommandResult {
	name, err := UploadResource(req.Payload, h.defaultFile)
	if err != nil {
		return devsim.Failed(devsim.StatusBadRequest, "Upload Failed: "+err.Error())
	}
	blob, err := h.uploader.UploadBlob(ctx, name)
	if err != nil {
		return devsim.Failed(devsim.StatusError, fmt.Sprintf("Upload Failed: %v", err))
	}
	res := devsim.Succeeded(fmt.Sprintf("File %s was uploaded to blob storage as %s", name, blob))
	res.Payload = map[string]any{"blobName": blob}
	return res
}

// ParseReading accepts a bare number, a JSON string holding a number, or
// plain text; surrounding whitespace is ignored. NaN and infinities are
// rejected.
func ParseReading(payload []byte) (float64, error) {
	s := string(bytes.TrimSpace(payload))
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return 0, ErrNotANumber
		}
		s = strings.TrimSpace(inner)
	}
	if s == "" {
		return 0, ErrNotANumber
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotANumber
	}
	return v, nil
}

// UploadResource picks the local resource to upload from the request body:
// {"file": "..."}, a JSON string, plain text, or def when the body is empty.
func UploadResource(payload []byte, def string) (string, error) {
	s := bytes.TrimSpace(payload)
	if len(s) == 0 || string(s) == "null" || string(s) == "{}" {
		return def, nil
	}
	switch s[0] {
	case '{':
		var body struct {
			File *string `json:"file"`
		}
		if err := json.Unmarshal(s, &body); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		if body.File == nil || strings.TrimSpace(*body.File) == "" {
			return def, nil
		}
		return strings.TrimSpace(*body.File), nil
	case '"':
		var name string
		if err := json.Unmarshal(s, &name); err != nil {
			return "", fmt.Errorf("invalid JSON string: %w", err)
		}
		if strings.TrimSpace(name) == "" {
			return def, nil
		}
		return strings.TrimSpace(name), nil
	default:
		return string(s), nil
	}
}
