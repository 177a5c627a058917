package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/estcore/railid-connect/jwt"
	"github.com/estcore/railid-connect/oidc"
	"github.com/estcore/railid-connect/oidc/callback"
	"github.com/estcore/railid-connect/store"
	"github.com/estcore/railid-connect/store/memory"
	"github.com/estcore/railid-connect/store/valkey"
)

const (
	backendMemory = "memory"
	backendValkey = "valkey"
)

type serveFlags struct {
	configFile      string
	listen          string
	storeBackend    string
	valkeyAddrs     []string
	valkeyPrefix    string
	singleUseState  bool
	jwksURL         string
	issuer          string
	logLevel        string
	shutdownTimeout time.Duration
}

func serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the login, callback and logout routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := hclog.New(&hclog.LoggerOptions{
				Name:   "railid-connect",
				Level:  hclog.LevelFromString(f.logLevel),
				Output: cmd.ErrOrStderr(),
			})
			return serve(cmd.Context(), f, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.configFile, "config", "", "path to the persisted client settings (JSON); RIDC_* environment variables override it")
	flags.StringVar(&f.listen, "listen", "127.0.0.1:8080", "address to listen on")
	flags.StringVar(&f.storeBackend, "store", backendMemory, "state store backend: memory or valkey")
	flags.StringSliceVar(&f.valkeyAddrs, "valkey-addr", []string{"127.0.0.1:6379"}, "valkey server addresses")
	flags.StringVar(&f.valkeyPrefix, "valkey-prefix", valkey.DefaultPrefix, "key prefix for states kept in valkey")
	flags.BoolVar(&f.singleUseState, "single-use-state", true, "delete a state once it's been used")
	flags.StringVar(&f.jwksURL, "jwks-url", "", "verify id_token signatures with the keys at this URL")
	flags.StringVar(&f.issuer, "issuer", "", "require this id_token issuer")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level: trace, debug, info, warn or error")
	flags.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 5*time.Second, "how long to wait for requests to finish on shutdown")
	return cmd
}

// serve runs the app until ctx is done.
func serve(ctx context.Context, f serveFlags, logger hclog.Logger) error {
	const op = "serve"
	a, err := newApp(ctx, f, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer a.Close()

	l, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("%s: unable to listen on %q: %w", op, f.listen, err)
	}
	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", l.Addr().String(), "store", f.storeBackend)
		srvErr <- srv.Serve(l)
	}()

	select {
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", op, err)
	}
	return nil
}

// app is the relying-party web app.
type app struct {
	*http.ServeMux
	logger   hclog.Logger
	provider *oidc.Provider
	ids      *callback.MemoryIdentityStore
	loginURL string
	closers  []func()
}

func newApp(ctx context.Context, f serveFlags, logger hclog.Logger) (*app, error) {
	const op = "newApp"
	var persisted []byte
	if f.configFile != "" {
		b, err := os.ReadFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read config: %w", op, err)
		}
		persisted = b
	}
	config, err := oidc.LoadClientConfig(persisted)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a := &app{
		ServeMux: http.NewServeMux(),
		logger:   logger,
		ids:      callback.NewMemoryIdentityStore(),
		loginURL: "/login",
	}
	s, err := a.newStore(f)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	opts := []oidc.Option{oidc.WithLogger(logger.Named("oidc"))}
	if f.singleUseState {
		opts = append(opts, oidc.WithSingleUseState())
	}
	if f.jwksURL != "" {
		ks, err := jwt.NewJSONWebKeySet(ctx, f.jwksURL, config.ProviderCA)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		opts = append(opts, oidc.WithKeySet(ks), oidc.WithAudiences(config.ClientId))
	}
	if f.issuer != "" {
		opts = append(opts, oidc.WithIssuer(f.issuer))
	}
	a.provider, err = oidc.NewProvider(config, s, opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.routes(); err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func (a *app) newStore(f serveFlags) (store.Store, error) {
	switch f.storeBackend {
	case backendMemory:
		return memory.New(memory.DefaultCleanupInterval), nil
	case backendValkey:
		s, client, err := valkey.Dial(f.valkeyAddrs, f.valkeyPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q: %w", f.storeBackend, oidc.ErrInvalidParameter)
	}
}

// Close releases the app's connections.
func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}

func (a *app) routes() error {
	cbLogger := callback.WithLogger(a.logger.Named("callback"))
	loginPage, err := callback.LoginPage(a.provider, cbLogger)
	if err != nil {
		return err
	}
	login, err := callback.Login(a.provider, a.errorResponse(), cbLogger)
	if err != nil {
		return err
	}
	authCode, err := callback.AuthCode(a.provider, a.ids, callback.RedirectSuccess("/"), a.errorResponse(), cbLogger)
	if err != nil {
		return err
	}
	a.HandleFunc("/login", loginPage)
	a.HandleFunc("/login/start", login)
	a.HandleFunc("/callback", authCode)
	a.HandleFunc("/logout", a.logout)
	a.HandleFunc("/", a.home)
	return nil
}

// errorResponse logs failed attempts before sending the user back to the
// login page.
func (a *app) errorResponse() callback.ErrorResponseFunc {
	redirect := callback.RedirectError(a.loginURL)
	return func(state string, e error, w http.ResponseWriter, req *http.Request) {
		a.logger.Warn("login failed", "state", state, "code", oidc.ErrorCode(e), "error", e)
		redirect(state, e, w, req)
	}
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>RailID Connect</title></head>
<body>
<p>Logged in as <span id="subject">{{.Subject}}</span>{{with .Email}} ({{.}}){{end}}</p>
<p><a id="logout" href="/logout">Log out</a></p>
</body>
</html>
`))

func (a *app) home(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	_, id, ok := a.ids.User(req)
	if !ok {
		q := url.Values{callback.RedirectToParam: {req.URL.RequestURI()}}
		http.Redirect(w, req, a.loginURL+"?"+q.Encode(), http.StatusFound)
		return
	}
	data := struct {
		Subject string
		Email   string
	}{Subject: id.Subject}
	if email, ok := id.UserClaim["email"].(string); ok {
		data.Email = email
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := homeTemplate.Execute(w, data); err != nil {
		a.logger.Error("unable to render home page", "error", err)
	}
}

// logout ends the local session and sends the user to the provider's end
// session endpoint when one is configured.
func (a *app) logout(w http.ResponseWriter, req *http.Request) {
	_, id, ok := a.ids.User(req)
	a.ids.EndSession(w, req)
	if !ok {
		http.Redirect(w, req, a.loginURL, http.StatusFound)
		return
	}
	var idToken oidc.IdToken
	if id.TokenResponse != nil {
		idToken = id.TokenResponse.IdToken
	}
	to, err := a.provider.LogoutURL(a.postLogoutURL(), idToken)
	if err != nil {
		a.logger.Debug("no provider logout", "error", err)
		to = a.loginURL
	}
	http.Redirect(w, req, to, http.StatusFound)
}

// postLogoutURL is the absolute login page URL on the same origin as the
// configured redirect URL.
func (a *app) postLogoutURL() string {
	u, err := url.Parse(a.provider.Config().RedirectUrl)
	if err != nil || u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: a.loginURL}).String()
}
