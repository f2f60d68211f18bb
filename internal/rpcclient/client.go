// Package rpcclient is a small JSON-RPC 2.0 client for the base chain's
// node, hand-rolled over net/http the way the teacher hand-rolls its own
// horizon.Client rather than pulling in an RPC framework.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const jsonrpcVersion = "2.0"

// Client talks JSON-RPC to a single base-chain node endpoint.
type Client struct {
	http *http.Client
	url  string
	auth string
}

// New builds a Client authenticating with HTTP basic auth, the way
// bitcoind's RPC server expects.
func New(url, user, password string) *Client {
	return &Client{
		http: new(http.Client),
		url:  strings.TrimRight(url, "/"),
		auth: basicAuth(user, password),
	}
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+c.auth)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending request")
	}
	return resp, nil
}

func handleResponse(r response, out interface{}) error {
	if r.Error != nil {
		return errors.Wrap(r.Error, "rpc error")
	}
	if r.Result == nil {
		return errors.New("no result or error in rpc response")
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(r.Result, out), "decoding result")
}

// Call invokes a single RPC method and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(request{JSONRPC: jsonrpcVersion, ID: "0", Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "marshaling request")
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return handleResponse(r, out)
}

// BatchCall is one method+params pair in a batch request.
type BatchCall struct {
	Method string
	Params []interface{}
}

// BatchResult is the outcome of one call within a batch: exactly one of
// Raw or Err is set.
type BatchResult struct {
	Raw json.RawMessage
	Err error
}

// Decode unmarshals a successful batch result into out.
func (r BatchResult) Decode(out interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	return errors.Wrap(json.Unmarshal(r.Raw, out), "decoding result")
}

// BatchCallMany sends every call in a single HTTP round trip, matching
// batch_call's shape: callers get back one BatchResult per request, in
// request order, regardless of which calls individually failed.
func (c *Client) BatchCallMany(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	reqs := make([]request, len(calls))
	for i, call := range calls {
		reqs[i] = request{JSONRPC: jsonrpcVersion, ID: itoaID(i), Method: call.Method, Params: call.Params}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling batch request")
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var responses []response
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, errors.Wrap(err, "decoding batch response")
	}
	byID := make(map[string]response, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}
	out := make([]BatchResult, len(calls))
	for i := range calls {
		r, ok := byID[itoaID(i)]
		if !ok {
			out[i] = BatchResult{Err: errors.Errorf("missing response for batch index %d", i)}
			continue
		}
		if r.Error != nil {
			out[i] = BatchResult{Err: errors.Wrap(r.Error, "rpc error")}
			continue
		}
		out[i] = BatchResult{Raw: r.Result}
	}
	return out, nil
}

func itoaID(i int) string {
	return strconv.Itoa(i)
}
