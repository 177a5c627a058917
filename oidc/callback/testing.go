package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estcore/railid-connect/oidc"
	"github.com/estcore/railid-connect/store/memory"
)

// testSuccessFn is a test SuccessResponseFunc
func testSuccessFn(id *oidc.Identity, w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("login successful: " + id.Subject))
}

// testErrorResponse is the body written by testFailFn
type testErrorResponse struct {
	State string `json:"state"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

// testFailFn is a test ErrorResponseFunc
func testFailFn(state string, e error, w http.ResponseWriter, req *http.Request) {
	resp := testErrorResponse{
		State: state,
		Code:  string(oidc.ErrorCode(e)),
	}
	var oidcErr *oidc.Err
	if errors.As(e, &oidcErr) {
		resp.Msg = oidcErr.Msg
	}
	w.WriteHeader(http.StatusUnauthorized)
	j, _ := json.Marshal(&resp)
	_, _ = w.Write(j)
}

// testNewProvider creates a new Provider for the TestProvider (tp) which
// keeps its states in memory.  This is helpful internally, but intentionally
// not exported.
func testNewProvider(t *testing.T, tp *oidc.TestProvider, opt ...oidc.Option) *oidc.Provider {
	t.Helper()
	p, err := oidc.NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval), opt...)
	require.NoError(t, err)
	return p
}

// testIdentityStore is an IdentityStore which fails on demand.
type testIdentityStore struct {
	*MemoryIdentityStore
	findErr    error
	sessionErr error
	found      []*oidc.Identity
}

func (s *testIdentityStore) FindOrCreateUser(ctx context.Context, subject string, id *oidc.Identity) (UserHandle, error) {
	if s.findErr != nil {
		return "", s.findErr
	}
	s.found = append(s.found, id)
	return s.MemoryIdentityStore.FindOrCreateUser(ctx, subject, id)
}

func (s *testIdentityStore) StartSession(ctx context.Context, w http.ResponseWriter, r *http.Request, u UserHandle) error {
	if s.sessionErr != nil {
		return s.sessionErr
	}
	return s.MemoryIdentityStore.StartSession(ctx, w, r, u)
}
