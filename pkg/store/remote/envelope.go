// Package remote implements the hypervisor-only side of the store.Client
// contract: a gRPC proxy to a coordinator's replicated store. No .proto
// file could be compiled in this environment, so the wire format is a
// hand-authored grpc.ServiceDesc carrying JSON envelopes boxed in
// wrapperspb.BytesValue, the one message type guaranteed to satisfy the
// standard grpc proto codec without generated stubs.
package remote

import (
	"encoding/json"

	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type readRequest struct {
	Key string `json:"key"`
}

type readResponse struct {
	Data    string `json:"data"`
	Version int64  `json:"version"`
	Found   bool   `json:"found"`
}

type childrenRequest struct {
	Key string `json:"key"`
}

type childrenResponse struct {
	Names []string `json:"names"`
}

type writeTxnRequest struct {
	Ops  []store.WriteOp `json:"ops"`
	Dels []store.Delete  `json:"dels"`
}

type writeTxnResponse struct{}

type ephemeralCreateRequest struct {
	Key        string `json:"key"`
	Data       string `json:"data"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type ephemeralCreateResponse struct{}

type watchRequest struct {
	Key string `json:"key"`
}

type watchDataEvent struct {
	Key       string `json:"key"`
	Data      string `json:"data"`
	Version   int64  `json:"version"`
	Tombstone bool   `json:"tombstone"`
}

type watchChildrenEvent struct {
	Names []string `json:"names"`
}

type lockRequest struct {
	Key string `json:"key"`
}

type lockResponse struct {
	Token string `json:"token"`
}

type unlockRequest struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

type unlockResponse struct{}

// encode boxes a JSON-marshaled envelope value into the BytesValue wire
// message.
func encode(v interface{}) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

// decode unmarshals a BytesValue wire message into v.
func decode(msg *wrapperspb.BytesValue, v interface{}) error {
	return json.Unmarshal(msg.GetValue(), v)
}
