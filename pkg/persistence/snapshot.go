package persistence

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
)

// EncodeSnapshot serializes conversations as a compact JSON array.
func EncodeSnapshot(conversations []*conversation.Conversation) ([]byte, error) {
	list := make([]*conversation.Conversation, 0, len(conversations))
	for _, c := range conversations {
		if c != nil {
			list = append(list, c)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(list); err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeSnapshot parses a snapshot written by EncodeSnapshot. An empty payload
// or a JSON null decodes to an empty list.
func DecodeSnapshot(payload []byte) ([]conversation.Conversation, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return []conversation.Conversation{}, nil
	}
	var ret []conversation.Conversation
	if err := json.Unmarshal(payload, &ret); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	for i := range ret {
		if ret[i].Messages == nil {
			ret[i].Messages = []conversation.Message{}
		}
	}
	return ret, nil
}
