package bridge

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// 訊息種類
const (
	kindCommand = "command" // client → server
	kindReply   = "reply"   // server → client，對應 command 的 id
	kindEvent   = "event"   // server → client
)

// envelope 串流上每則 google.protobuf.Struct 的內容
type envelope struct {
	Kind    string         `json:"kind"`
	ID      uint64         `json:"id,omitempty"`
	Command *types.Command `json:"command,omitempty"`
	Event   *types.Event   `json:"event,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

func encode(env envelope) (*structpb.Struct, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", env.Kind, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", env.Kind, err)
	}
	return st, nil
}

func decode(st *structpb.Struct) (envelope, error) {
	var env envelope
	data, err := protojson.Marshal(st)
	if err != nil {
		return env, fmt.Errorf("bridge: decode: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("bridge: decode: %w", err)
	}
	switch {
	case env.Kind == kindCommand && env.Command == nil,
		env.Kind == kindEvent && env.Event == nil:
		return env, fmt.Errorf("bridge: %s message without body", env.Kind)
	case env.Kind != kindCommand && env.Kind != kindEvent && env.Kind != kindReply:
		return env, fmt.Errorf("bridge: unknown message kind %q", env.Kind)
	}
	return env, nil
}
