package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	defaultTenant   = "common"
	defaultPageSize = 50
	maxPageSize     = 1000
	graphScope      = "https://graph.microsoft.com/.default"
)

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "body", "bodyPreview", "receivedDateTime", "isRead",
	"categories", "hasAttachments",
}

const attachmentsExpand = "attachments($select=id,name,contentType,size)"

// Config holds the Azure AD app registration for the adapter.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string

	// Endpoint and BaseURL override the Azure AD and Graph endpoints.
	Endpoint   oauth2.Endpoint
	BaseURL    string
	HTTPClient *http.Client
}

// Adapter implements sync.EmailProvider for Outlook/Microsoft Graph
type Adapter struct {
	oauth   *oauth2.Config
	cfg     Config
	deps    sync.Deps
	breaker *providers.Breaker
	log     zerolog.Logger
}

// New creates a new Outlook adapter
func New(cfg Config, deps sync.Deps) (*Adapter, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("outlook: client id is required")
	}
	if cfg.Tenant == "" {
		cfg.Tenant = defaultTenant
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = microsoft.AzureADEndpoint(cfg.Tenant)
	}

	log := deps.Logger.With().Str("provider", string(sync.ProviderOutlook)).Logger()
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				"offline_access",
				"User.Read",
				"Mail.Read",
				"Mail.Send",
			},
			Endpoint: endpoint,
		},
		cfg:     cfg,
		deps:    deps,
		breaker: providers.NewBreaker(sync.ProviderOutlook, log, providers.TripsOnStatus(statusOf)),
		log:     log,
	}, nil
}

// Constructor adapts New to the factory's constructor table.
func Constructor(cfg Config) sync.Constructor {
	return func(deps sync.Deps) (sync.EmailProvider, error) {
		return New(cfg, deps)
	}
}

func (a *Adapter) Kind() sync.ProviderKind { return sync.ProviderOutlook }

func (a *Adapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query"))
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (auth.Token, error) {
	tok, err := a.oauth.Exchange(a.httpContext(ctx), code)
	if err != nil {
		return auth.Token{}, providers.ClassifyOAuth(sync.ProviderOutlook, "exchange code", err)
	}
	return auth.FromOAuth2(tok, ""), nil
}

// RefreshTokens keeps the previous refresh token if Azure AD does not rotate it.
func (a *Adapter) RefreshTokens(ctx context.Context, refreshToken string) (auth.Token, error) {
	tok, err := a.oauth.TokenSource(a.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return auth.Token{}, providers.ClassifyOAuth(sync.ProviderOutlook, "refresh token", err)
	}
	return auth.FromOAuth2(tok, refreshToken), nil
}

func (a *Adapter) Profile(ctx context.Context, accessToken string) (string, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return "", err
	}
	var me models.Userable
	err = a.breaker.Do("get profile", func() error {
		var apiErr error
		me, apiErr = client.Me().Get(ctx, nil)
		return apiErr
	})
	if err != nil {
		return "", classify("get profile", err)
	}
	if mail := str(me.GetMail()); mail != "" {
		return mail, nil
	}
	return str(me.GetUserPrincipalName()), nil
}

// GetMessages returns one page across all folders. The page token is the
// @odata.nextLink of the previous page.
func (a *Adapter) GetMessages(ctx context.Context, accessToken string, opts sync.ListOptions) (sync.Page, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return sync.Page{}, err
	}
	return a.listPage(ctx, client, "", opts)
}

// listPage fetches the first page of a folder, or of the whole mailbox when
// folder is empty, or resumes from opts.PageToken.
func (a *Adapter) listPage(ctx context.Context, client *msgraphsdk.GraphServiceClient, folder string, opts sync.ListOptions) (sync.Page, error) {
	top := int32(pageSize(opts.PageSize))
	var filter *string
	if !opts.Since.IsZero() {
		f := "receivedDateTime ge " + opts.Since.UTC().Format(time.RFC3339)
		filter = &f
	}
	orderby := []string{"receivedDateTime desc"}
	expand := []string{attachmentsExpand}

	var resp models.MessageCollectionResponseable
	err := a.breaker.Do("list messages", func() error {
		var apiErr error
		switch {
		case opts.PageToken != "":
			resp, apiErr = client.Me().Messages().WithUrl(opts.PageToken).Get(ctx, nil)
		case folder != "":
			resp, apiErr = client.Me().MailFolders().ByMailFolderId(folder).Messages().Get(ctx,
				&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
					QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
						Top:     &top,
						Select:  messageFields,
						Filter:  filter,
						Orderby: orderby,
						Expand:  expand,
					},
				})
		default:
			resp, apiErr = client.Me().Messages().Get(ctx,
				&users.ItemMessagesRequestBuilderGetRequestConfiguration{
					QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
						Top:     &top,
						Select:  messageFields,
						Filter:  filter,
						Orderby: orderby,
						Expand:  expand,
					},
				})
		}
		return apiErr
	})
	if err != nil {
		return sync.Page{}, classify("list messages", err)
	}
	if resp == nil {
		return sync.Page{}, sync.ParseError(sync.ProviderOutlook, "list messages", errors.New("empty response"))
	}

	page := sync.Page{
		Messages:      make([]sync.Message, 0, len(resp.GetValue())),
		NextPageToken: str(resp.GetOdataNextLink()),
	}
	for _, m := range resp.GetValue() {
		msg, err := normalize(m)
		if err != nil {
			a.log.Warn().Err(err).Msg("skipping message")
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

func (a *Adapter) GetMessage(ctx context.Context, accessToken, id string) (sync.Message, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return sync.Message{}, err
	}
	var m models.Messageable
	err = a.breaker.Do("get message", func() error {
		var apiErr error
		m, apiErr = client.Me().Messages().ByMessageId(id).Get(ctx,
			&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
					Select: messageFields,
					Expand: []string{attachmentsExpand},
				},
			})
		return apiErr
	})
	if err != nil {
		return sync.Message{}, classify("get message", err)
	}
	return normalize(m)
}

func (a *Adapter) GetAttachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return nil, err
	}
	var att models.Attachmentable
	err = a.breaker.Do("get attachment", func() error {
		var apiErr error
		att, apiErr = client.Me().Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
		return apiErr
	})
	if err != nil {
		return nil, classify("get attachment", err)
	}
	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, sync.ParseError(sync.ProviderOutlook, "get attachment", fmt.Errorf("attachment %s is not a file", attachmentID))
	}
	return file.GetContentBytes(), nil
}

// SendMessage posts through sendMail. Graph does not return the id of the
// sent item, so the returned id is empty.
func (a *Adapter) SendMessage(ctx context.Context, accessToken string, msg sync.OutgoingMessage) (string, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return "", errors.New("build message: message has no recipients")
	}
	client, err := a.client(accessToken)
	if err != nil {
		return "", err
	}

	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(outgoing(msg))
	save := true
	body.SetSaveToSentItems(&save)

	err = a.breaker.Do("send message", func() error {
		return client.Me().SendMail().Post(ctx, body, nil)
	})
	if err != nil {
		return "", classify("send message", err)
	}
	return "", nil
}

// client builds a Graph client bound to one access token.
func (a *Adapter) client(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if a.cfg.BaseURL != "" {
		client.GetAdapter().SetBaseUrl(a.cfg.BaseURL)
	}
	return client, nil
}

func (a *Adapter) httpContext(ctx context.Context) context.Context {
	if a.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	}
	return ctx
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func pageSize(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}

func statusOf(err error) (int, bool) {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) && odataErr.ResponseStatusCode != 0 {
		return odataErr.ResponseStatusCode, true
	}
	return 0, false
}

// classify maps Graph failures onto the sync error taxonomy.
func classify(op string, err error) error {
	if sync.IsTransient(err) {
		return err
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		msg := odataErr.Error()
		if main := odataErr.GetErrorEscaped(); main != nil {
			msg = str(main.GetCode()) + ": " + str(main.GetMessage())
		}
		return providers.ClassifyStatus(sync.ProviderOutlook, op, odataErr.ResponseStatusCode, msg, err)
	}
	if providers.IsNetworkError(err) {
		return sync.TransientError(sync.ProviderOutlook, op, err)
	}
	return fmt.Errorf("outlook %s: %w", op, err)
}

var (
	_ sync.EmailProvider = (*Adapter)(nil)
	_ sync.AccountSyncer = (*Adapter)(nil)
)
