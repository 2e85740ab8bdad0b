package model

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/faithfulness-eval/internal/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region client-struct
// ModelClient wraps the gRPC connection to the Python inference service.
type ModelClient struct {
	conn    *grpc.ClientConn
	client  ClassifierServiceClient
	timeout time.Duration
	backoff time.Duration
}

// #endregion client-struct

// #region constructor
// NewModelClient connects to the inference gRPC server. A zero timeout leaves
// calls bounded only by the caller's context.
func NewModelClient(addr string, timeout time.Duration) (*ModelClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &ModelClient{
		conn:    conn,
		client:  NewClassifierServiceClient(conn),
		timeout: timeout,
		backoff: defaultRetryBackoff,
	}, nil
}

// NewModelClientWithService creates a ModelClient with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewModelClientWithService(svc ClassifierServiceClient) *ModelClient {
	return &ModelClient{client: svc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *ModelClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region predict
// Predict sends a batch of sequences to the inference service and returns
// one probability vector per sequence.
func (c *ModelClient) Predict(ctx context.Context, batch []Input) ([]Prediction, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	req, err := EncodeRequest(batch)
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	var resp *structpb.Struct
	for attempts := 1; ; attempts++ {
		resp, err = c.call(ctx, req, len(batch))
		if !shouldRetry(ctx, err, attempts) {
			break
		}
		if werr := wait(ctx, c.backoff, attempts); werr != nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("predict rpc: %w", err)
	}

	preds, err := DecodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	if len(preds) != len(batch) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrBatchSize, len(batch), len(preds))
	}
	return preds, nil
}

// call issues one Predict RPC of n sequences under the per-call timeout.
func (c *ModelClient) call(ctx context.Context, req *structpb.Struct, n int) (*structpb.Struct, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := c.client.Predict(ctx, req)
	status := telemetry.Status(err)
	telemetry.ModelCallDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	telemetry.ModelInputsTotal.WithLabelValues(status).Add(float64(n))
	return resp, err
}

// #endregion predict

// #region wire
// EncodeRequest builds the Struct payload for a batch:
// {"input_ids": [[...]], "attention_mask": [[...]]}.
func EncodeRequest(batch []Input) (*structpb.Struct, error) {
	ids := make([]any, len(batch))
	masks := make([]any, len(batch))
	for i, in := range batch {
		ids[i] = int64List(in.InputIDs)
		mask := in.AttentionMask
		if mask == nil {
			mask = make([]int64, len(in.InputIDs))
			for j := range mask {
				mask[j] = 1
			}
		}
		masks[i] = int64List(mask)
	}
	return structpb.NewStruct(map[string]any{
		"input_ids":      ids,
		"attention_mask": masks,
	})
}

// DecodeRequest is the server-side inverse of EncodeRequest.
func DecodeRequest(s *structpb.Struct) ([]Input, error) {
	ids, err := numberMatrix(s, "input_ids")
	if err != nil {
		return nil, err
	}
	masks, err := numberMatrix(s, "attention_mask")
	if err != nil {
		return nil, err
	}
	if len(masks) != len(ids) {
		return nil, fmt.Errorf("attention_mask has %d rows, input_ids %d", len(masks), len(ids))
	}
	batch := make([]Input, len(ids))
	for i := range ids {
		batch[i] = Input{InputIDs: toInt64(ids[i]), AttentionMask: toInt64(masks[i])}
	}
	return batch, nil
}

// EncodeResponse builds the Struct payload {"probabilities": [[...]]}.
func EncodeResponse(preds []Prediction) (*structpb.Struct, error) {
	rows := make([]any, len(preds))
	for i, p := range preds {
		row := make([]any, len(p.Probabilities))
		for j, v := range p.Probabilities {
			row[j] = v
		}
		rows[i] = row
	}
	return structpb.NewStruct(map[string]any{"probabilities": rows})
}

// DecodeResponse reads the probabilities matrix out of a response payload.
func DecodeResponse(s *structpb.Struct) ([]Prediction, error) {
	rows, err := numberMatrix(s, "probabilities")
	if err != nil {
		return nil, err
	}
	preds := make([]Prediction, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("row %d: %w", i, ErrEmptyPrediction)
		}
		preds[i] = Prediction{Probabilities: row}
	}
	return preds, nil
}

func int64List(v []int64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func toInt64(v []float64) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

func numberMatrix(s *structpb.Struct, field string) ([][]float64, error) {
	v, ok := s.GetFields()[field]
	if !ok {
		return nil, fmt.Errorf("missing field %q", field)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q is not a list", field)
	}
	rows := make([][]float64, len(list.GetValues()))
	for i, rv := range list.GetValues() {
		inner := rv.GetListValue()
		if inner == nil {
			return nil, fmt.Errorf("field %q row %d is not a list", field, i)
		}
		row := make([]float64, len(inner.GetValues()))
		for j, cell := range inner.GetValues() {
			n, ok := cell.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("field %q [%d][%d] is not a number", field, i, j)
			}
			row[j] = n.NumberValue
		}
		rows[i] = row
	}
	return rows, nil
}

// #endregion wire
