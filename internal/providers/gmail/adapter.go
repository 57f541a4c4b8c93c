package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	user             = "me"
	defaultChunkSize = 10
	defaultPageSize  = 50
	maxPageSize      = 500
)

// Config holds the OAuth client registration and tuning for the adapter.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// ChunkSize bounds concurrent message detail fetches.
	ChunkSize int

	// Endpoint and BaseURL override Google's OAuth and API endpoints.
	Endpoint   oauth2.Endpoint
	BaseURL    string
	HTTPClient *http.Client
}

// Adapter implements sync.EmailProvider for Gmail
type Adapter struct {
	oauth   *oauth2.Config
	cfg     Config
	breaker *providers.Breaker
	log     zerolog.Logger
}

// New creates a new Gmail adapter
func New(cfg Config, deps sync.Deps) (*Adapter, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("gmail: client id is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	log := deps.Logger.With().Str("provider", string(sync.ProviderGmail)).Logger()
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailSendScope,
				"email",
			},
			Endpoint: endpoint,
		},
		cfg:     cfg,
		breaker: providers.NewBreaker(sync.ProviderGmail, log, providers.TripsOnStatus(statusOf)),
		log:     log,
	}, nil
}

// Constructor adapts New to the factory's constructor table.
func Constructor(cfg Config) sync.Constructor {
	return func(deps sync.Deps) (sync.EmailProvider, error) {
		return New(cfg, deps)
	}
}

func (a *Adapter) Kind() sync.ProviderKind { return sync.ProviderGmail }

// AuthURL requests offline access so Google issues a refresh token.
func (a *Adapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (auth.Token, error) {
	tok, err := a.oauth.Exchange(a.httpContext(ctx), code)
	if err != nil {
		return auth.Token{}, providers.ClassifyOAuth(sync.ProviderGmail, "exchange code", err)
	}
	return auth.FromOAuth2(tok, ""), nil
}

func (a *Adapter) RefreshTokens(ctx context.Context, refreshToken string) (auth.Token, error) {
	src := a.oauth.TokenSource(a.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return auth.Token{}, providers.ClassifyOAuth(sync.ProviderGmail, "refresh token", err)
	}
	return auth.FromOAuth2(tok, refreshToken), nil
}

func (a *Adapter) Profile(ctx context.Context, accessToken string) (string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	var profile *gmail.Profile
	err = a.breaker.Do("get profile", func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile(user).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", classify("get profile", err)
	}
	return profile.EmailAddress, nil
}

// GetMessages lists one page of message ids and resolves them into full
// messages, ChunkSize at a time. Each chunk completes before the next starts.
func (a *Adapter) GetMessages(ctx context.Context, accessToken string, opts sync.ListOptions) (sync.Page, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return sync.Page{}, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	call := svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(int64(pageSize))
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if !opts.Since.IsZero() {
		call = call.Q(fmt.Sprintf("after:%d", opts.Since.Unix()))
	}

	var list *gmail.ListMessagesResponse
	err = a.breaker.Do("list messages", func() error {
		var apiErr error
		list, apiErr = call.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return sync.Page{}, classify("list messages", err)
	}

	ids := make([]string, 0, len(list.Messages))
	for _, m := range list.Messages {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}

	msgs, err := a.fetchChunked(ctx, svc, ids)
	if err != nil {
		return sync.Page{}, err
	}
	return sync.Page{Messages: msgs, NextPageToken: list.NextPageToken}, nil
}

// fetchChunked resolves ids ChunkSize at a time. A message that cannot be
// fetched is logged and left out of the page. Auth failures and a
// cancelled context fail the page, as does a page where every fetch failed
// transiently.
func (a *Adapter) fetchChunked(ctx context.Context, svc *gmail.Service, ids []string) ([]sync.Message, error) {
	out := make([]sync.Message, 0, len(ids))
	var transient error
	for start := 0; start < len(ids); start += a.cfg.ChunkSize {
		end := min(start+a.cfg.ChunkSize, len(ids))
		chunk := ids[start:end]
		results := make([]*sync.Message, len(chunk))
		errs := make([]error, len(chunk))

		var g errgroup.Group
		for i, id := range chunk {
			g.Go(func() error {
				msg, err := a.fetch(ctx, svc, id)
				if err != nil {
					errs[i] = err
					return nil
				}
				results[i] = &msg
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i, err := range errs {
			if err == nil {
				out = append(out, *results[i])
				continue
			}
			if sync.IsAuth(err) {
				return nil, err
			}
			if sync.IsTransient(err) && transient == nil {
				transient = err
			}
			a.log.Warn().Err(err).Str("message_id", chunk[i]).Msg("skipping message")
		}
	}
	if len(out) == 0 && transient != nil {
		return nil, transient
	}
	return out, nil
}

func (a *Adapter) GetMessage(ctx context.Context, accessToken, id string) (sync.Message, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return sync.Message{}, err
	}
	return a.fetch(ctx, svc, id)
}

func (a *Adapter) fetch(ctx context.Context, svc *gmail.Service, id string) (sync.Message, error) {
	var m *gmail.Message
	err := a.breaker.Do("get message", func() error {
		var apiErr error
		m, apiErr = svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return sync.Message{}, classify("get message", err)
	}
	return normalize(m)
}

func (a *Adapter) GetAttachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	var body *gmail.MessagePartBody
	err = a.breaker.Do("get attachment", func() error {
		var apiErr error
		body, apiErr = svc.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classify("get attachment", err)
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, sync.ParseError(sync.ProviderGmail, "decode attachment", err)
	}
	return data, nil
}

func (a *Adapter) SendMessage(ctx context.Context, accessToken string, msg sync.OutgoingMessage) (string, error) {
	raw, err := buildRawMessage(msg)
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	var sent *gmail.Message
	err = a.breaker.Do("send message", func() error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send(user, &gmail.Message{
			Raw: base64.URLEncoding.EncodeToString(raw),
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", classify("send message", err)
	}
	return sent.Id, nil
}

// service builds a Gmail client bound to one access token.
func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(a.httpContext(ctx), ts))}
	if a.cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.BaseURL))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

func (a *Adapter) httpContext(ctx context.Context) context.Context {
	if a.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	}
	return ctx
}

func statusOf(err error) (int, bool) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

// classify maps Gmail API failures onto the sync error taxonomy.
func classify(op string, err error) error {
	if sync.IsTransient(err) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(sync.ProviderGmail, op, apiErr.Code, apiErr.Message, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return providers.ClassifyOAuth(sync.ProviderGmail, op, err)
	}
	if providers.IsNetworkError(err) {
		return sync.TransientError(sync.ProviderGmail, op, err)
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}

var _ sync.EmailProvider = (*Adapter)(nil)
