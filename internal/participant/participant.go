// Package participant reads the scheme's participant registry (the central
// ledger): which FSPs exist, whether they are active or act as inter-scheme
// proxies, and which callback endpoints they registered.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/mbd888/alswitch/internal/fspiop"
)

var ErrNotFound = errors.New("participant: not found")

// Participant is the registry's view of an FSP.
type Participant struct {
	Name     string   `json:"name"`
	IsActive flexBool `json:"isActive"`
	IsProxy  bool     `json:"isProxy"`
}

// Active reports whether the participant may send or receive traffic.
func (p *Participant) Active() bool {
	return p != nil && bool(p.IsActive)
}

// Endpoint is one registered callback URL template.
type Endpoint struct {
	Type  fspiop.EndpointType `json:"type"`
	Value string              `json:"value"`
}

// Registry is the participant registry contract used by the switch.
type Registry interface {
	// ValidateParticipant returns the participant when it is registered and
	// active, nil (and no error) otherwise.
	ValidateParticipant(ctx context.Context, name string) (*Participant, error)
	// Endpoints returns every endpoint registered by name. Unknown names
	// return ErrNotFound.
	Endpoints(ctx context.Context, name string) ([]Endpoint, error)
	// ListProxies returns the names of active proxy participants.
	ListProxies(ctx context.Context) ([]string, error)
}

// flexBool accepts true/false as well as the ledger's 1/0 encoding.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return err
	}
	*b = i != 0
	return nil
}

func (b flexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}
