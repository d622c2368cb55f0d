package camws

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request types understood by the camera daemon.
const (
	RequestGetVersion     = "GetVersion"
	RequestBind           = "Bind"
	RequestUnbindAll      = "UnbindAll"
	RequestFocusAndMeter  = "FocusAndMeter"
	RequestSetLinearZoom  = "SetLinearZoom"
	RequestTakePicture    = "TakePicture"
	RequestStartRecording = "StartRecording"
	RequestStopRecording  = "StopRecording"
	RequestCloseRecording = "CloseRecording"
)

// Event types emitted by the camera daemon.
const (
	EventRecordStarted   = "RecordStarted"
	EventRecordStatus    = "RecordStatus"
	EventRecordChunk     = "RecordChunk"
	EventRecordFinalized = "RecordFinalized"
	EventFocusCompleted  = "FocusCompleted"
)

// Use cases accepted by Bind.
const (
	UseCaseImage = "image"
	UseCaseVideo = "video"
)

// VersionInfo describes the daemon.
type VersionInfo struct {
	DaemonVersion string   `json:"daemonVersion"`
	RPCVersion    int      `json:"rpcVersion"`
	Cameras       []string `json:"cameras"`
}

// Binding is the result of a successful Bind.
type Binding struct {
	BindingID string `json:"bindingId"`
	PreviewID string `json:"previewId"`
}

// RecordEventData is the payload of every Record* event. Data is base64 on
// the wire.
type RecordEventData struct {
	RecordingID string `json:"recordingId"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	Data        []byte `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
}

// FocusEventData is the payload of FocusCompleted.
type FocusEventData struct {
	FocusID string `json:"focusId"`
	Success bool   `json:"success"`
}

// GetVersion retrieves the daemon version and its cameras
func (c *Client) GetVersion(ctx context.Context) (VersionInfo, error) {
	resp, err := c.sendRequest(ctx, RequestGetVersion, nil)
	if err != nil {
		return VersionInfo{}, err
	}

	var data VersionInfo
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return VersionInfo{}, fmt.Errorf("failed to parse version: %w", err)
	}
	return data, nil
}

// Bind attaches the preview plus the use case output to the selected camera.
func (c *Client) Bind(ctx context.Context, selector, useCase string) (Binding, error) {
	resp, err := c.sendRequest(ctx, RequestBind, map[string]interface{}{
		"selector": selector,
		"useCase":  useCase,
	})
	if err != nil {
		return Binding{}, err
	}

	var data Binding
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return Binding{}, fmt.Errorf("failed to parse binding: %w", err)
	}
	if data.BindingID == "" {
		return Binding{}, fmt.Errorf("daemon returned an empty binding id")
	}
	return data, nil
}

// UnbindAll releases whatever binding the daemon holds.
func (c *Client) UnbindAll(ctx context.Context) error {
	_, err := c.sendRequest(ctx, RequestUnbindAll, nil)
	return err
}

// FocusAndMeter starts a focus run; its result arrives as FocusCompleted
// carrying focusID.
func (c *Client) FocusAndMeter(ctx context.Context, bindingID, focusID string, x, y, size float64) error {
	_, err := c.sendRequest(ctx, RequestFocusAndMeter, map[string]interface{}{
		"bindingId": bindingID,
		"focusId":   focusID,
		"x":         x,
		"y":         y,
		"size":      size,
	})
	return err
}

// SetLinearZoom sets zoom in [0,1].
func (c *Client) SetLinearZoom(ctx context.Context, bindingID string, zoom float64) error {
	_, err := c.sendRequest(ctx, RequestSetLinearZoom, map[string]interface{}{
		"bindingId": bindingID,
		"zoom":      zoom,
	})
	return err
}

// TakePicture returns the encoded still.
func (c *Client) TakePicture(ctx context.Context, bindingID string) ([]byte, error) {
	resp, err := c.sendRequest(ctx, RequestTakePicture, map[string]interface{}{
		"bindingId": bindingID,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return nil, fmt.Errorf("failed to parse picture: %w", err)
	}
	return data.Data, nil
}

// StartRecording starts a recording named recordingID. Its chunks and state
// changes arrive as Record* events.
func (c *Client) StartRecording(ctx context.Context, bindingID, recordingID string, withAudio bool) error {
	_, err := c.sendRequest(ctx, RequestStartRecording, map[string]interface{}{
		"bindingId":   bindingID,
		"recordingId": recordingID,
		"withAudio":   withAudio,
	})
	return err
}

// StopRecording asks the daemon to finish; RecordFinalized follows.
func (c *Client) StopRecording(ctx context.Context, recordingID string) error {
	_, err := c.sendRequest(ctx, RequestStopRecording, map[string]interface{}{
		"recordingId": recordingID,
	})
	return err
}

// CloseRecording drops the recording without a finalize.
func (c *Client) CloseRecording(ctx context.Context, recordingID string) error {
	_, err := c.sendRequest(ctx, RequestCloseRecording, map[string]interface{}{
		"recordingId": recordingID,
	})
	return err
}
