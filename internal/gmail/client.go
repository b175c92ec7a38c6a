// Package gmail is a thin, typed wrapper over the Gmail REST API covering what
// mailbox mirroring needs: profile, message listing and fetching, labels and history.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// me addresses the mailbox the token belongs to.
const me = "me"

// Client calls the Gmail API for one mailbox. It is safe for concurrent use.
type Client struct {
	svc     *gmailapi.Service
	limiter *rate.Limiter
	tokens  *refreshingTokenSource
}

type clientOptions struct {
	limiter       *rate.Limiter
	onRefresh     func(*oauth2.Token)
	clientOptions []option.ClientOption
}

// Option configures a Client.
type Option func(*clientOptions)

// WithRateLimiter throttles every API call through l.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *clientOptions) { o.limiter = l }
}

// WithTokenRefreshHandler registers fn to receive every token the client obtains
// by refreshing, so the caller can persist it. fn runs on the request goroutine.
func WithTokenRefreshHandler(fn func(*oauth2.Token)) Option {
	return func(o *clientOptions) { o.onRefresh = fn }
}

// WithClientOptions passes extra options to the underlying API service,
// e.g. option.WithEndpoint in tests.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *clientOptions) { o.clientOptions = append(o.clientOptions, opts...) }
}

// New wraps an existing service.
func New(svc *gmailapi.Service, opts ...Option) *Client {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{svc: svc, limiter: o.limiter}
}

// NewWithToken builds a client that authenticates with tok and refreshes it
// through cfg when it expires or the API rejects it with a 401.
func NewWithToken(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	ts := newRefreshingTokenSource(ctx, cfg, tok, o.onRefresh)

	httpClient := oauth2.NewClient(ctx, ts)
	clientOpts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, o.clientOptions...)
	svc, err := gmailapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return &Client{svc: svc, limiter: o.limiter, tokens: ts}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// do runs one API call through the limiter. On a 401 the access token is
// dropped and fn runs once more with a refreshed one; what fails then is
// classified.
func (c *Client) do(ctx context.Context, op string, notFound error, fn func() error) error {
	for retried := false; ; retried = true {
		if err := c.wait(ctx); err != nil {
			return err
		}

		var gen uint64
		if c.tokens != nil {
			gen = c.tokens.generation()
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !retried && c.tokens != nil && isUnauthorized(err) && c.tokens.expire(gen) {
			continue
		}
		return classify(op, err, notFound)
	}
}

// GetProfile returns the mailbox address and its current history id.
// It doubles as a cheap credential probe.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var resp *gmailapi.Profile
	err := c.do(ctx, "users.getProfile", nil, func() (err error) {
		resp, err = c.svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Profile{
		EmailAddress: resp.EmailAddress,
		HistoryID:    formatHistoryID(resp.HistoryId),
	}, nil
}

// ListMessages returns one page of message ids matching the query.
func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagePage, error) {
	call := c.svc.Users.Messages.List(me).Context(ctx)
	if req.Query != "" {
		call = call.Q(req.Query)
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}
	if req.MaxResults > 0 {
		call = call.MaxResults(req.MaxResults)
	}

	var resp *gmailapi.ListMessagesResponse
	err := c.do(ctx, "messages.list", nil, func() (err error) {
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &MessagePage{
		MessageIDs:    make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			page.MessageIDs = append(page.MessageIDs, m.Id)
		}
	}
	return page, nil
}

// GetMessage fetches a message in full format. A message deleted in the
// meantime yields ErrMessageNotFound.
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	var resp *gmailapi.Message
	err := c.do(ctx, "messages.get", ErrMessageNotFound, func() (err error) {
		resp, err = c.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	payload, err := convertPart(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("gmail messages.get %s: %w", id, err)
	}

	return &Message{
		ID:           resp.Id,
		ThreadID:     resp.ThreadId,
		Snippet:      resp.Snippet,
		InternalDate: resp.InternalDate,
		LabelIDs:     resp.LabelIds,
		Payload:      payload,
	}, nil
}

// ListLabels returns the mailbox's label catalog.
func (c *Client) ListLabels(ctx context.Context) ([]Label, error) {
	var resp *gmailapi.ListLabelsResponse
	err := c.do(ctx, "labels.list", nil, func() (err error) {
		resp, err = c.svc.Users.Labels.List(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	labels := make([]Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		if l == nil {
			continue
		}
		labels = append(labels, Label{ID: l.Id, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

// ListHistory returns one page of changes after req.StartHistoryID. A cursor
// the provider no longer knows, or one that is not a history id at all, yields
// ErrCursorExpired.
func (c *Client) ListHistory(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	start, err := strconv.ParseUint(req.StartHistoryID, 10, 64)
	if err != nil {
		return nil, &Error{Op: "history.list", Kind: ErrCursorExpired, Err: err}
	}

	call := c.svc.Users.History.List(me).StartHistoryId(start).Context(ctx)
	if len(req.HistoryTypes) > 0 {
		call = call.HistoryTypes(req.HistoryTypes...)
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}
	if req.MaxResults > 0 {
		call = call.MaxResults(req.MaxResults)
	}

	var resp *gmailapi.ListHistoryResponse
	err = c.do(ctx, "history.list", ErrCursorExpired, func() (err error) {
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{
		Records:       make([]HistoryRecord, 0, len(resp.History)),
		NextPageToken: resp.NextPageToken,
		HistoryID:     formatHistoryID(resp.HistoryId),
	}
	for _, h := range resp.History {
		if h != nil {
			page.Records = append(page.Records, convertHistory(h))
		}
	}
	return page, nil
}

func formatHistoryID(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}

func convertHistory(h *gmailapi.History) HistoryRecord {
	rec := HistoryRecord{ID: formatHistoryID(h.Id)}

	for _, ev := range h.MessagesAdded {
		if ev != nil && ev.Message != nil && ev.Message.Id != "" {
			rec.MessagesAdded = append(rec.MessagesAdded, ev.Message.Id)
		}
	}
	for _, ev := range h.MessagesDeleted {
		if ev != nil && ev.Message != nil && ev.Message.Id != "" {
			rec.MessagesDeleted = append(rec.MessagesDeleted, ev.Message.Id)
		}
	}
	for _, ev := range h.LabelsAdded {
		if ev != nil && ev.Message != nil && ev.Message.Id != "" {
			rec.LabelsAdded = append(rec.LabelsAdded, LabelChange{MessageID: ev.Message.Id, LabelIDs: ev.LabelIds})
		}
	}
	for _, ev := range h.LabelsRemoved {
		if ev != nil && ev.Message != nil && ev.Message.Id != "" {
			rec.LabelsRemoved = append(rec.LabelsRemoved, LabelChange{MessageID: ev.Message.Id, LabelIDs: ev.LabelIds})
		}
	}

	return rec
}

func convertPart(p *gmailapi.MessagePart) (*Part, error) {
	if p == nil {
		return nil, nil
	}

	part := &Part{
		PartID:   p.PartId,
		MIMEType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		if h != nil {
			part.Headers = append(part.Headers, Header{Name: h.Name, Value: h.Value})
		}
	}

	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
		part.Size = p.Body.Size
		if p.Body.Data != "" {
			data, err := decodeBody(p.Body.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode part %q body: %w", p.PartId, err)
			}
			part.Data = data
		}
	}

	for _, child := range p.Parts {
		converted, err := convertPart(child)
		if err != nil {
			return nil, err
		}
		if converted != nil {
			part.Parts = append(part.Parts, converted)
		}
	}

	return part, nil
}

// decodeBody decodes Gmail's base64url body data, with or without padding.
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
