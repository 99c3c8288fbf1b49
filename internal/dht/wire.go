package dht

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wikimedia/limitation/internal/decay"
)

// msgType enumerates the wire messages this DHT speaks.
type msgType string

const (
	msgPing         msgType = "PING"
	msgPong         msgType = "PONG"
	msgFindNode     msgType = "FIND_NODE"
	msgFindNodeOK   msgType = "FIND_NODE_OK"
	msgStore        msgType = "STORE"
	msgStoreOK      msgType = "STORE_OK"
	msgFindValue    msgType = "FIND_VALUE"
	msgFindValueOK  msgType = "FIND_VALUE_OK"
)

// wireContact is the serializable form of a Contact (no cached distance).
type wireContact struct {
	IDHex   string `json:"id"`
	Address string `json:"address"`
}

func fromContact(c Contact) wireContact {
	return wireContact{IDHex: c.ID.String(), Address: c.Address}
}

func (w wireContact) toContact() (Contact, error) {
	idBytes, err := hex.DecodeString(w.IDHex)
	if err != nil {
		return Contact{}, err
	}
	if len(idBytes) != IDLength {
		return Contact{}, fmt.Errorf("dht: invalid id length: got %d want %d", len(idBytes), IDLength)
	}
	var id KademliaID
	copy(id[:], idBytes)
	return Contact{ID: &id, Address: w.Address}, nil
}

// wireCounter is the serializable form of a decay.Counter.
type wireCounter struct {
	Value       float64   `json:"value"`
	LastTouched time.Time `json:"last_touched"`
}

func fromCounter(c decay.Counter) wireCounter {
	return wireCounter{Value: c.Value, LastTouched: c.LastTouched}
}

func (w wireCounter) toCounter() decay.Counter {
	return decay.Counter{Value: w.Value, LastTouched: w.LastTouched}
}

// envelope is the single message frame for every RPC this package sends;
// which fields are populated depends on Type.
type envelope struct {
	Type     msgType       `json:"type"`
	From     wireContact   `json:"from"`
	MsgID    string        `json:"msg_id"`
	TargetID string        `json:"target_id,omitempty"`
	Contacts []wireContact `json:"contacts,omitempty"`
	Key      string        `json:"key,omitempty"`
	Counter  *wireCounter  `json:"counter,omitempty"`
}

func (e envelope) marshal() ([]byte, error)  { return json.Marshal(e) }
func (e *envelope) unmarshal(b []byte) error { return json.Unmarshal(b, e) }
