package server

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/roach88/stepsync/internal/codec"
	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/model"
)

// idPattern validates project and document IDs taken from the URL or the
// first message.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_:.-]{0,127}$`)

func validID(s string) bool { return idPattern.MatchString(s) }

// Inbound message types.
const msgHistory = "history"

// inboundMessage is a client request on a subscribed socket.
type inboundMessage struct {
	Type        string `json:"type"`
	FromVersion *int64 `json:"fromVersion"`
}

// parseInbound parses a client frame. Anything that is not a well-formed
// history request is malformed.
func parseInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, collab.NewMalformed("invalid JSON", err)
	}
	switch msg.Type {
	case "":
		return msg, collab.NewMalformed("missing type", nil)
	case msgHistory:
		if msg.FromVersion == nil {
			return msg, collab.NewMalformed("history request without fromVersion", nil)
		}
		return msg, nil
	default:
		return msg, collab.NewMalformed(fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

// subscribeMessage is the first frame of the /listen handshake.
type subscribeMessage struct {
	ManuscriptID string `json:"manuscriptID"`
	ProjectID    string `json:"projectID"`
	AuthToken    string `json:"authToken"`
}

// parseSubscribe parses and validates the first-message handshake.
func parseSubscribe(data []byte) (model.SubscribeRequest, error) {
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.SubscribeRequest{}, collab.NewMalformed("invalid subscribe message", err)
	}
	switch {
	case msg.ManuscriptID == "", msg.ProjectID == "", msg.AuthToken == "":
		return model.SubscribeRequest{}, collab.NewMalformed("subscribe message requires manuscriptID, projectID and authToken", nil)
	case !validID(msg.ManuscriptID), !validID(msg.ProjectID):
		return model.SubscribeRequest{}, collab.NewMalformed("invalid manuscriptID or projectID", nil)
	}
	return model.SubscribeRequest{
		DocumentID: msg.ManuscriptID,
		ProjectID:  msg.ProjectID,
		Credential: msg.AuthToken,
	}, nil
}

// pushMessage is the outbound envelope: a history response plus a resync
// flag set when the client's history could not be replayed and it received
// the full tree instead.
type pushMessage struct {
	*model.HistoryResponse
	Resync bool `json:"resync,omitempty"`
}

func encodePush(resp *model.HistoryResponse, resync bool) ([]byte, error) {
	if resp.SchemaVersion == "" {
		resp.SchemaVersion = codec.SchemaVersion
	}
	data, err := json.Marshal(pushMessage{HistoryResponse: resp, Resync: resync})
	if err != nil {
		return nil, fmt.Errorf("encode push: %w", err)
	}
	return data, nil
}
