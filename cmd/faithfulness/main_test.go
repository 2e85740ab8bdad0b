package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/faithfulness-eval/internal/model"
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
)

const refToken = 103

// refShareServer scores class 1 as the share of tokens that are not the reference token.
type refShareServer struct{}

func (refShareServer) Predict(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	batch, err := model.DecodeRequest(in)
	if err != nil {
		return nil, err
	}
	preds := make([]model.Prediction, len(batch))
	for i, b := range batch {
		var kept float64
		for _, id := range b.InputIDs {
			if id != refToken {
				kept++
			}
		}
		p := kept / float64(len(b.InputIDs))
		preds[i] = model.Prediction{Probabilities: []float64{1 - p, p}}
	}
	return model.EncodeResponse(preds)
}

func startModelServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	model.RegisterClassifierServer(srv, refShareServer{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, debugMode = "", "", false
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunThenInspect(t *testing.T) {
	addr := startModelServer(t)
	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "items.jsonl")
	require.NoError(t, os.WriteFile(datasetPath, []byte(
		`{"item_index":"a","input_ids":[101,5,6,7,8,102],"attributions":[0,0.9,0.5,0.3,0.1,0],"predicted_class":1}`+"\n",
	), 0o644))
	dbPath := filepath.Join(dir, "results.db")
	expDir := filepath.Join(dir, "exp")

	out, err := execute(t, "run",
		"--dataset", datasetPath,
		"--metric", "SUFFICIENCY",
		"--experiment-path", expDir,
		"--model-addr", addr,
		"--db", dbPath,
		"--log-level", "error",
	)
	require.NoError(t, err, out)
	// One of four candidates survives; three become the reference token.
	assert.Contains(t, out, "Mean:      0.500000")
	assert.FileExists(t, filepath.Join(expDir, results.SupportResultsFile))

	out, err = execute(t, "inspect", "--db", dbPath, "--json")
	require.NoError(t, err, out)
	var runs []runView
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "SUFFICIENCY", runs[0].EvaluationMetric)
	assert.Equal(t, results.StatusFinished, runs[0].Status)
	assert.Equal(t, 1, runs[0].ItemsTotal)

	out, err = execute(t, "inspect", runs[0].RunID, "--db", dbPath, "--json")
	require.NoError(t, err, out)
	var detail runDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	require.Len(t, detail.Results, 1)
	assert.Equal(t, "a", detail.Results[0].ItemIndex)
	assert.InDelta(t, 0.5, detail.Results[0].MetricResult, 1e-9)
	require.NotNil(t, detail.Summary)
	assert.Equal(t, 1, detail.Summary.Count)
}

func TestRun_NoSaveSkipsCSV(t *testing.T) {
	addr := startModelServer(t)
	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "items.jsonl")
	require.NoError(t, os.WriteFile(datasetPath, []byte(
		`{"input_ids":[5,6,7,8],"attributions":[0.1,0.2,0.3,0.4]}`+"\n",
	), 0o644))
	expDir := filepath.Join(dir, "exp")

	out, err := execute(t, "run",
		"--dataset", datasetPath,
		"--metric", "AOPC_COMPREHENSIVENESS",
		"--experiment-path", expDir,
		"--model-addr", addr,
		"--db", filepath.Join(dir, "results.db"),
		"--no-save",
		"--log-level", "error",
	)
	require.NoError(t, err, out)
	assert.NoFileExists(t, filepath.Join(expDir, results.SupportResultsFile))
}

func TestRun_InvalidMetric(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run",
		"--dataset", filepath.Join(dir, "missing.jsonl"),
		"--metric", "ACCURACY",
		"--db", filepath.Join(dir, "results.db"),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestInspect_UnknownRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")
	_, err := execute(t, "inspect", "nope", "--db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestInspect_EmptyTable(t *testing.T) {
	out, err := execute(t, "inspect", "--db", filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}
