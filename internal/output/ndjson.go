// Package output implements the progress/result rendering devicectl prints,
// grounded on the teacher's internal/output package: an NDJSONWriter for
// agent-friendly streaming, a TextWriter for human terminals, and the
// lipgloss palette in styles.go shared by both.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// SchemaVersion tags every NDJSON entry this module emits, mirroring the
// teacher's output.SchemaVersion field on every struct.
const SchemaVersion = 1

// NDJSONWriter writes one JSON object per line, unescaped, matching the
// teacher's NewNDJSONWriter (enc.SetEscapeHTML(false)).
type NDJSONWriter struct {
	encoder *json.Encoder
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &NDJSONWriter{encoder: enc}
}

// StateChanged reports a device's state machine having settled into a new
// state, whether via goto_state or an out-of-band prompt match.
type StateChanged struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Device        string `json:"device"`
	From          string `json:"from"`
	To            string `json:"to"`
}

func (w *NDJSONWriter) WriteStateChanged(device, from, to string) error {
	return w.encoder.Encode(&StateChanged{
		Type: "state_changed", SchemaVersion: SchemaVersion,
		Timestamp: now(), Device: device, From: from, To: to,
	})
}

// GotoProgress reports one hop of a multi-hop goto_state run.
type GotoProgress struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Device        string `json:"device"`
	Hop           string `json:"hop"`
	Dest          string `json:"dest"`
}

func (w *NDJSONWriter) WriteGotoProgress(device, hop, dest string) error {
	return w.encoder.Encode(&GotoProgress{
		Type: "goto_progress", SchemaVersion: SchemaVersion,
		Timestamp: now(), Device: device, Hop: hop, Dest: dest,
	})
}

// GotoDone reports the terminal outcome of a goto_state run.
type GotoDone struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Device        string `json:"device"`
	State         string `json:"state"`
	Error         string `json:"error,omitempty"`
}

func (w *NDJSONWriter) WriteGotoDone(device, state string, err error) error {
	out := &GotoDone{Type: "goto_done", SchemaVersion: SchemaVersion, Timestamp: now(), Device: device, State: state}
	if err != nil {
		out.Error = err.Error()
	}
	return w.encoder.Encode(out)
}

// CommandResult carries a completed command's parsed return map.
type CommandResult struct {
	Type          string         `json:"type"`
	SchemaVersion int            `json:"schemaVersion"`
	Timestamp     string         `json:"timestamp"`
	Device        string         `json:"device"`
	Command       string         `json:"command"`
	Ret           map[string]any `json:"ret,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (w *NDJSONWriter) WriteCommandResult(device, command string, ret map[string]any, err error) error {
	out := &CommandResult{
		Type: "command_result", SchemaVersion: SchemaVersion,
		Timestamp: now(), Device: device, Command: command, Ret: ret,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return w.encoder.Encode(out)
}

// DeviceRow is one row of `devicectl list`.
type DeviceRow struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
}

func (w *NDJSONWriter) WriteDeviceRow(row DeviceRow) error {
	row.Type = "device"
	row.SchemaVersion = SchemaVersion
	return w.encoder.Encode(&row)
}

// Warning and Error mirror the teacher's generic advisory entries.
type Warning struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Message       string `json:"message"`
}

func (w *NDJSONWriter) WriteWarning(message string) error {
	return w.encoder.Encode(&Warning{Type: "warning", SchemaVersion: SchemaVersion, Message: message})
}

type ErrorOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

func (w *NDJSONWriter) WriteError(code, message string) error {
	return w.encoder.Encode(&ErrorOutput{Type: "error", SchemaVersion: SchemaVersion, Code: code, Message: message})
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// TextWriter writes the same events as styled, human-readable lines.
type TextWriter struct {
	w io.Writer
}

func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: w}
}

func (w *TextWriter) WriteStateChanged(device, from, to string) error {
	line := fmt.Sprintf("%s %s: %s -> %s\n",
		Styles.Timestamp.Render(time.Now().Format("15:04:05.000")),
		Styles.Device.Render(device),
		Styles.State.Render(from), Styles.State.Render(to))
	_, err := io.WriteString(w.w, line)
	return err
}

func (w *TextWriter) WriteGotoProgress(device, hop, dest string) error {
	line := fmt.Sprintf("%s %s: hop -> %s (target %s)\n",
		Styles.Timestamp.Render(time.Now().Format("15:04:05.000")),
		Styles.Device.Render(device), Styles.State.Render(hop), dest)
	_, err := io.WriteString(w.w, line)
	return err
}

func (w *TextWriter) WriteGotoDone(device, state string, err error) error {
	if err != nil {
		line := fmt.Sprintf("%s %s\n", Styles.Danger.Render("FAILED"), err.Error())
		_, werr := io.WriteString(w.w, line)
		return werr
	}
	line := fmt.Sprintf("%s %s reached %s\n", Styles.Success.Render("OK"), Styles.Device.Render(device), Styles.State.Render(state))
	_, werr := io.WriteString(w.w, line)
	return werr
}

func (w *TextWriter) WriteWarning(message string) error {
	_, err := io.WriteString(w.w, Styles.Warning.Render("warning: "+message)+"\n")
	return err
}

func (w *TextWriter) WriteError(code, message string) error {
	_, err := io.WriteString(w.w, fmt.Sprintf("%s [%s]: %s\n", Styles.Danger.Render("error"), code, message))
	return err
}
