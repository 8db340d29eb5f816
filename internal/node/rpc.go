package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/bytedance/sonic"

	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/circuit"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/retry"
)

// rawCaller is the part of rpcclient.Client the node client needs.
type rawCaller interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// RPCClient talks to the node's JSON-RPC endpoint. Requests go through a
// circuit breaker and retry with backoff; block submission uses the short
// submit budget since a late block is stale anyway.
type RPCClient struct {
	caller         rawCaller
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
	extraData      string
}

// NewRPCClient creates a node client in HTTP POST mode. No connection is
// made until the first request.
func NewRPCClient(host string, port int, username, password, extraData string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	return newRPCClient(client, extraData), nil
}

func newRPCClient(caller rawCaller, extraData string) *RPCClient {
	cbConfig := &circuit.Config{
		Name:            "node-rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		caller:         caller,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
		submitConfig:   retry.SubmitConfig(),
		extraData:      extraData,
	}
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.caller.Shutdown()
}

// Breaker exposes the circuit breaker state for health reporting.
func (c *RPCClient) Breaker() *circuit.Breaker {
	return c.circuitBreaker
}

// GetBlockTemplate requests a template paying to payAddress.
func (c *RPCClient) GetBlockTemplate(ctx context.Context, payAddress string) (*BlockTemplate, error) {
	params := getBlockTemplateParams{PayAddress: payAddress, ExtraData: c.extraData}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*BlockTemplate, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*BlockTemplate, error) {
			var tpl BlockTemplate
			if err := c.call("getBlockTemplate", params, &tpl); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block_template",
					"failed to retrieve block template").
					WithContext("pay_address", payAddress)
			}
			return &tpl, nil
		})
	})
}

// SubmitBlock submits a solved block. A block the node rejects yields a
// non-retryable node error carrying the reject reason.
func (c *RPCClient) SubmitBlock(ctx context.Context, block *pow.Block) error {
	if block == nil || block.Header == nil {
		return errors.New(errors.ErrorTypeValidation, "submit_block", "block has no header").NonRetryable()
	}
	params := submitBlockParams{Block: block}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.submitConfig, func() error {
			var res submitBlockResult
			if err := c.call("submitBlock", params, &res); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNode, "submit_block",
					"failed to submit block").
					WithContext("nonce", block.Header.Nonce)
			}
			if res.Error != nil {
				return errors.Wrap(res.Error, errors.ErrorTypeNode, "submit_block", "node rejected block").
					NonRetryable().
					WithContext("reject_reason", res.RejectReason)
			}
			if res.RejectReason != "" && res.RejectReason != "NONE" {
				return errors.New(errors.ErrorTypeNode, "submit_block", "node rejected block").
					NonRetryable().
					WithContext("reject_reason", res.RejectReason)
			}
			return nil
		})
	})
}

// GetInfo returns the node's version and sync status.
func (c *RPCClient) GetInfo(ctx context.Context) (*Info, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*Info, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*Info, error) {
			var info Info
			if err := c.call("getInfo", struct{}{}, &info); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_info",
					"failed to retrieve node info")
			}
			if info.Error != nil {
				return nil, errors.Wrap(info.Error, errors.ErrorTypeNode, "get_info", "node returned an error")
			}
			return &info, nil
		})
	})
}

// Ping checks connectivity with a getInfo call.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := c.GetInfo(ctx)
	return err
}

func (c *RPCClient) call(method string, params, out any) error {
	raw, err := sonic.Marshal(params)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, method, "failed to encode params").NonRetryable()
	}

	resp, err := c.caller.RawRequest(method, []json.RawMessage{raw})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "request failed")
	}

	if err := sonic.Unmarshal(resp, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, method, "malformed response").
			NonRetryable().
			WithContext("size", len(resp))
	}
	return nil
}
