package network

import (
	json "github.com/goccy/go-json"

	"versus/server/protocol"
)

func decodeData(env protocol.Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}
