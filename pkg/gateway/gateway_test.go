package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omopmed/medquery/pkg/queryagent"
)

type fakeAnswerer struct {
	mu    sync.Mutex
	calls []string
	fn    func(question string) (queryagent.Result, error)
}

func (a *fakeAnswerer) Answer(_ context.Context, question string) (queryagent.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, question)
	a.mu.Unlock()
	return a.fn(question)
}

func startGateway(t *testing.T, answerer Answerer) *Client {
	t.Helper()

	srv, err := NewServer(ServerConfig{Answerer: answerer, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	client, err := Dial(context.Background(), url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestAnswerRoundTrip(t *testing.T) {
	answerer := &fakeAnswerer{fn: func(question string) (queryagent.Result, error) {
		return queryagent.Result{
			SQL:  "SELECT COUNT(DISTINCT person_id) FROM base.person",
			Rows: "count\n42",
		}, nil
	}}
	client := startGateway(t, answerer)

	result, err := client.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(DISTINCT person_id) FROM base.person", result.SQL)
	assert.Equal(t, "count\n42", result.Rows)
	assert.Equal(t, []string{"How many patients are there?"}, answerer.calls)
}

func TestAnswerErrorPropagates(t *testing.T) {
	answerer := &fakeAnswerer{fn: func(string) (queryagent.Result, error) {
		return queryagent.Result{}, errors.New("no working query after 5 attempts")
	}}
	client := startGateway(t, answerer)

	_, err := client.Answer(context.Background(), "impossible question")
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, AnswerError, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "5 attempts")
}

func TestPipelinedRequests(t *testing.T) {
	answerer := &fakeAnswerer{fn: func(question string) (queryagent.Result, error) {
		// Make the first question slower than the second so responses
		// arrive out of request order.
		if strings.Contains(question, "slow") {
			time.Sleep(100 * time.Millisecond)
		}
		return queryagent.Result{Rows: "answer to " + question}, nil
	}}
	client := startGateway(t, answerer)

	type outcome struct {
		question string
		result   queryagent.Result
		err      error
	}
	results := make(chan outcome, 2)
	for _, q := range []string{"slow question", "fast question"} {
		go func(q string) {
			res, err := client.Answer(context.Background(), q)
			results <- outcome{question: q, result: res, err: err}
		}(q)
	}

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.Equal(t, "answer to "+out.question, out.result.Rows)
	}
}

func TestUnknownMethod(t *testing.T) {
	client := startGateway(t, &fakeAnswerer{fn: func(string) (queryagent.Result, error) {
		return queryagent.Result{}, nil
	}})

	_, err := client.call(context.Background(), "agent.bogus", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, MethodNotFound, rpcErr.Code)
}

func TestEmptyQuestionRejected(t *testing.T) {
	client := startGateway(t, &fakeAnswerer{fn: func(string) (queryagent.Result, error) {
		return queryagent.Result{}, nil
	}})

	_, err := client.Answer(context.Background(), "   ")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)
}

func TestPing(t *testing.T) {
	client := startGateway(t, &fakeAnswerer{fn: func(string) (queryagent.Result, error) {
		return queryagent.Result{}, nil
	}})
	assert.NoError(t, client.Ping(context.Background()))
}

func TestAnswerTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	answerer := &fakeAnswerer{fn: func(string) (queryagent.Result, error) {
		<-block
		return queryagent.Result{}, nil
	}}
	client := startGateway(t, answerer)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Answer(ctx, "never answered")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedConnectionFailsPending(t *testing.T) {
	block := make(chan struct{})
	answerer := &fakeAnswerer{fn: func(string) (queryagent.Result, error) {
		<-block
		return queryagent.Result{}, nil
	}}
	client := startGateway(t, answerer)

	done := make(chan error, 1)
	go func() {
		_, err := client.Answer(context.Background(), "q")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close()
	close(block)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after connection close")
	}
}

func TestServerRequiresAnswerer(t *testing.T) {
	_, err := NewServer(ServerConfig{Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answerer")
}
