// Copyright 2023 bytetrade
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/go-resty/resty/v2"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"storefront/internal/constants"
	"storefront/internal/v2/hostbridge"
	"storefront/internal/v2/types"
	"storefront/pkg/api"
	"storefront/pkg/utils"
)

// Options tune request deadlines. Zero values fall back to the package defaults.
type Options struct {
	// PollWait is the server side wait requested on blocking fetches.
	PollWait time.Duration
	// RequestTimeout bounds every non blocking call.
	RequestTimeout time.Duration
}

// Client talks to the storefront API over resty and implements MessageAPI, PaymentAPI and OrderAPI.
type Client struct {
	HttpClient *resty.Client
	bridge     hostbridge.Bridge
	opts       Options
}

var (
	_ MessageAPI = (*Client)(nil)
	_ PaymentAPI = (*Client)(nil)
	_ OrderAPI   = (*Client)(nil)
)

func NewClient(baseURL string, bridge hostbridge.Bridge, opts Options) *Client {
	if opts.PollWait <= 0 {
		opts.PollWait = constants.DefaultPollWait
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	c := resty.NewWithClient(utils.GetHttpClient()).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader(restful.HEADER_Accept, restful.MIME_JSON)

	return &Client{
		HttpClient: c,
		bridge:     bridge,
		opts:       opts,
	}
}

func (c *Client) FetchMessages(ctx context.Context, orderID int64, since types.Cursor, blocking bool) ([]types.Message, error) {
	path := fmt.Sprintf(constants.MessagesURLTempl, orderID)
	query := map[string]string{}
	if !since.IsZero() {
		query["since"] = since.String()
	}
	timeout := c.opts.RequestTimeout
	if blocking {
		path = fmt.Sprintf(constants.MessagesPollURLTempl, orderID)
		query["timeout"] = strconv.Itoa(int(c.opts.PollWait / time.Second))
		timeout = c.opts.PollWait + constants.RequestTimeoutSlack
	}

	body, err := c.do(ctx, timeout, http.MethodGet, path, query, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(body)
}

func (c *Client) SendMessage(ctx context.Context, orderID int64, author types.AuthorKind, content, token string) (types.Message, error) {
	path := fmt.Sprintf(constants.MessagesURLTempl, orderID)
	if author == types.AuthorAdmin {
		path = fmt.Sprintf(constants.AdminMessagesURLTempl, orderID)
	}
	req := sendMessageRequest{
		OrderID:     orderID,
		Content:     content,
		IsRead:      false,
		ClientToken: token,
	}
	headers := map[string]string{constants.ClientTokenHeaderKey: token}

	body, err := c.do(ctx, c.opts.RequestTimeout, http.MethodPost, path, nil, headers, req)
	if err != nil {
		return types.Message{}, err
	}
	msg, err := decodeMessage(body)
	if err != nil {
		return types.Message{}, err
	}
	// servers that do not echo the token still answer this exact request
	if msg.ClientToken == "" {
		msg.ClientToken = token
	}
	if msg.OrderID == 0 {
		msg.OrderID = orderID
	}
	return msg, nil
}

func (c *Client) CreateOrder(ctx context.Context, productID int64, quantity int) (types.Order, error) {
	if quantity <= 0 {
		quantity = 1
	}
	body, err := c.do(ctx, c.opts.RequestTimeout, http.MethodPost, constants.PaymentsCreateURL, nil, nil,
		createOrderRequest{ProductID: productID, Quantity: quantity})
	if err != nil {
		return types.Order{}, err
	}
	var resp createOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.Order{}, errors.Wrap(api.ErrMalformedPayload, err.Error())
	}
	if resp.OrderID <= 0 {
		return types.Order{}, errors.Wrap(api.ErrMalformedPayload, "create order response without order_id")
	}
	return types.Order{
		ID:        resp.OrderID,
		Status:    types.OrderPending,
		Product:   &types.Product{ID: productID},
		CreatedAt: time.Now().UTC(),
		Invoice:   resp.Invoice,
	}, nil
}

func (c *Client) InitiatePayment(ctx context.Context, orderID int64, rail types.Rail) (types.InitiationResult, error) {
	var path string
	switch rail {
	case types.RailStars:
		path = constants.PaymentsStarsURL
	case types.RailCard:
		path = constants.PaymentsFrikassaURL
	default:
		return types.InitiationResult{}, errors.Errorf("unknown rail %q", rail)
	}

	body, err := c.do(ctx, c.opts.RequestTimeout, http.MethodPost, path, nil, nil, orderRequest{OrderID: orderID})
	if err != nil {
		return types.InitiationResult{}, err
	}
	var result types.InitiationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return types.InitiationResult{}, errors.Wrap(api.ErrMalformedPayload, err.Error())
	}
	return result, nil
}

func (c *Client) ReadOrderStatus(ctx context.Context, orderID int64) (types.OrderStatus, error) {
	path := fmt.Sprintf(constants.PaymentStatusURLTempl, orderID)
	body, err := c.do(ctx, c.opts.RequestTimeout, http.MethodGet, path, nil, nil, nil)
	if err != nil {
		return "", err
	}
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(api.ErrMalformedPayload, err.Error())
	}
	status := types.OrderStatus(strings.ToLower(resp.Status))
	if !status.Known() {
		return "", errors.Wrapf(api.ErrMalformedPayload, "unknown order status %q", resp.Status)
	}
	return status, nil
}

// do executes one request and classifies failures. Cancellation of ctx is returned
// as ctx.Err() so callers can tell it apart from transient transport errors.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string,
	query, headers map[string]string, payload interface{}) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.HttpClient.R().SetContext(reqCtx)
	if initData, err := c.bridge.GetInitData(); err == nil {
		req.SetHeader(constants.InitDataHeaderKey, initData)
	} else {
		glog.V(2).Infof("request %s %s without init data: %v", method, path, err)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	if payload != nil {
		req.SetHeader(restful.HEADER_ContentType, restful.MIME_JSON).SetBody(payload)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		glog.Warningf("url:%s, method:%s, err:%v", path, method, err)
		return nil, errors.Wrapf(api.ErrTransientTransport, "%s %s: %v", method, path, err)
	}

	body := resp.Body()
	glog.V(2).Infof("url:%s, method:%s, status:%d, body:%s", path, method, resp.StatusCode(), utils.TruncateBody(body))

	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return body, nil
	case code == http.StatusUnauthorized:
		c.bridge.ClearInitData()
		return nil, errors.Wrapf(api.ErrUnauthorized, "%s %s", method, path)
	case api.IsTransientStatus(code):
		return nil, errors.Wrapf(api.ErrTransientTransport, "%s %s: status %d", method, path, code)
	default:
		return nil, errors.Errorf("%s %s: status %d: %s", method, path, code, utils.TruncateBody(body))
	}
}
