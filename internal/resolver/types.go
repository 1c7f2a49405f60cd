package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// InquiryAgent is the workflow inbound WhatsApp conversations are routed to.
	InquiryAgent = "inquiry"
	// InquiryTitle is the title given to conversations created here.
	InquiryTitle = "WhatsApp Inquiry"
)

// ErrNoIdentity is returned when the identity service knows no POC for a number.
var ErrNoIdentity = errors.New("resolver: no identity for mobile number")

// Action records what ResolveConversation had to do.
type Action string

const (
	ActionCreated    Action = "created"
	ActionReassigned Action = "reassigned"
	ActionReused     Action = "reused"
)

// ID decodes from a JSON number or a numeric string.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Accept integral floats such as 501.0.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("invalid id %s", data)
		}
		v = int64(f)
	}
	*id = ID(v)
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(id))
}

// Identity is a POC record from the identity service.
type Identity struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Conversation is a record from the conversation service.
type Conversation struct {
	ID     ID     `json:"id"`
	UserID ID     `json:"user_id"`
	Agent  string `json:"agent"`
	Title  string `json:"title,omitempty"`
}

// Resolution is the outcome of Resolve: the identity and the conversation
// as it stands after any create or update.
type Resolution struct {
	Identity     Identity
	Conversation Conversation
	Action       Action
}

// HTTPError is a non-2xx answer from a downstream service.
type HTTPError struct {
	Service string
	Status  int
	Body    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Status, e.Body)
}
