package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/aretw0/keystone/pkg/session"
)

// PrintEntry writes e as indented JSON. Non-JSON payloads are printed base64-encoded.
func PrintEntry(w io.Writer, e session.Entry) error {
	out := struct {
		Identity string          `json:"identity"`
		Key      string          `json:"key"`
		Version  string          `json:"version"`
		Payload  json.RawMessage `json:"payload"`
	}{
		Identity: e.Identity.String(),
		Key:      e.Identity.Encode(),
		Version:  string(e.Version),
		Payload:  e.Payload,
	}
	if !json.Valid(e.Payload) {
		out.Payload, _ = json.Marshal(e.Payload)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling entry: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
