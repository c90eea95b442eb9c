package policy

import (
	"fmt"
	"os"
)

// Payload is the policy document served to matched connections. It is
// loaded once at startup and shared read-only by every connection; the
// underlying bytes are never copied or mutated per use.
type Payload struct {
	data []byte
}

// LoadPayload reads the policy document from path. The file must exist
// and be non-empty; a gateway with a silently-empty policy would break
// every Flash client, so loading failures are fatal to startup.
// Errors name the policy_file directive and the offending path.
func LoadPayload(path string) (*Payload, error) {
	if path == "" {
		return nil, fmt.Errorf("policy_file: no policy document configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy_file: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("policy_file: %q is empty", path)
	}

	return &Payload{data: data}, nil
}

// Bytes returns the raw policy document. Callers must treat the slice
// as read-only; it is shared across all connections.
func (p *Payload) Bytes() []byte {
	return p.data
}

// Len returns the document length in bytes.
func (p *Payload) Len() int {
	return len(p.data)
}
