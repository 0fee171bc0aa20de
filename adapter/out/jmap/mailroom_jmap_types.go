package jmap

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Capability URNs sent in every request's "using" list.
var usingCapabilities = []string{
	"urn:ietf:params:jmap:core",
	"urn:ietf:params:jmap:mail",
}

const mailCapability = "urn:ietf:params:jmap:mail"

// Invocation is one element of methodCalls / methodResponses: the tagged
// triple [name, arguments, callId].
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

// NewInvocation marshals args and wraps them in an invocation.
func NewInvocation(name string, args any, callID string) (Invocation, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("jmap: marshal %s args: %w", name, err)
	}
	return Invocation{Name: name, Args: raw, CallID: callID}, nil
}

// MarshalJSON encodes the invocation as a three-element array.
func (inv Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{inv.Name, inv.Args, inv.CallID})
}

// UnmarshalJSON decodes the three-element array form, tolerating unknown
// argument structure by keeping it raw.
func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("jmap: invocation has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return fmt.Errorf("jmap: invocation method name: %w", err)
	}
	inv.Args = parts[1]
	if err := json.Unmarshal(parts[2], &inv.CallID); err != nil {
		return fmt.Errorf("jmap: invocation call id: %w", err)
	}
	return nil
}

// MethodError is a protocol-level "error" method response.
type MethodError struct {
	Method      string `json:"-"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jmap: %s failed: %s (%s)", e.Method, e.Type, e.Description)
	}
	return fmt.Sprintf("jmap: %s failed: %s", e.Method, e.Type)
}

// SetError is a per-object rejection inside an Email/set or Mailbox/set
// response.
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type apiRequest struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

type apiResponse struct {
	MethodResponses []Invocation `json:"methodResponses"`
}

type sessionResponse struct {
	APIURL          string            `json:"apiUrl"`
	EventSourceURL  string            `json:"eventSourceUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
}

type mailboxEntry struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
	Role     string  `json:"role"`
}

type mailboxGetArgs struct {
	AccountID string    `json:"accountId"`
	IDs       *[]string `json:"ids"`
}

type mailboxGetResult struct {
	List []mailboxEntry `json:"list"`
}

type mailboxSetArgs struct {
	AccountID string                   `json:"accountId"`
	Create    map[string]mailboxCreate `json:"create,omitempty"`
}

type mailboxCreate struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId,omitempty"`
}

type mailboxSetResult struct {
	Created    map[string]mailboxEntry `json:"created"`
	NotCreated map[string]SetError     `json:"notCreated"`
}

type emailQueryFilter struct {
	InMailbox string `json:"inMailbox"`
	From      string `json:"from,omitempty"`
}

type emailQueryArgs struct {
	AccountID string           `json:"accountId"`
	Filter    emailQueryFilter `json:"filter"`
	Position  int              `json:"position"`
	Limit     int              `json:"limit"`
}

type emailQueryResult struct {
	IDs []string `json:"ids"`
}

type emailGetArgs struct {
	AccountID  string   `json:"accountId"`
	IDs        []string `json:"ids"`
	Properties []string `json:"properties"`
}

type emailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type emailEntry struct {
	ID         string          `json:"id"`
	From       []emailAddress  `json:"from"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
}

type emailGetResult struct {
	List []emailEntry `json:"list"`
}

type emailSetArgs struct {
	AccountID string                    `json:"accountId"`
	Update    map[string]map[string]any `json:"update"`
}

type emailSetResult struct {
	Updated    map[string]json.RawMessage `json:"updated"`
	NotUpdated map[string]SetError        `json:"notUpdated"`
}
