// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"

	"github.com/gorilla/rpc/v2"

	"github.com/luxfi/cognition/chain"
	"github.com/luxfi/cognition/utils/json"
)

// NewHandler returns the JSON-RPC handler for the cognition service, with
// per-method request metrics recorded through the chain's interceptor.
func NewHandler(c *chain.Chain) (http.Handler, error) {
	server := rpc.NewServer()
	codec := json.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")

	interceptor := c.APIInterceptor()
	server.RegisterInterceptFunc(interceptor.InterceptRequest)
	server.RegisterAfterFunc(interceptor.AfterRequest)

	return server, server.RegisterService(NewService(c), Name)
}
