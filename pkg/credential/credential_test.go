package credential_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/credential/credentialtest"
	"github.com/platinummonkey/takgate/pkg/faults"
	"github.com/platinummonkey/takgate/pkg/idp"
)

func TestEvaluate(t *testing.T) {
	now := time.Now()
	ca := credentialtest.NewCA(t)
	valid := ca.Issue(t, "alpha", now.Add(30*24*time.Hour))
	expiring := ca.Issue(t, "alpha", now.Add(3*24*time.Hour))
	expired := ca.Issue(t, "alpha", now.Add(-time.Hour))
	other := ca.Issue(t, "alpha", now.Add(30*24*time.Hour))

	tests := []struct {
		name string
		cred *credential.Credential
		want credential.State
	}{
		{"nil", nil, credential.Absent},
		{"empty", &credential.Credential{}, credential.Absent},
		{"valid", valid, credential.Valid},
		{"expiring", expiring, credential.Expiring},
		{"expired", expired, credential.Expiring},
		{"garbage", &credential.Credential{Certificate: "junk", PrivateKey: "junk"}, credential.Invalid},
		{"missing key", &credential.Credential{Certificate: valid.Certificate}, credential.Invalid},
		{"mismatched key", &credential.Credential{Certificate: valid.Certificate, PrivateKey: other.PrivateKey}, credential.Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := credential.Evaluate(tt.cred, now, credential.DefaultRenewalThreshold)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != credential.Valid, got.NeedsAction())
		})
	}
}

func TestEvaluateThresholdBoundary(t *testing.T) {
	now := time.Now()
	cred := credentialtest.Issue(t, "alpha", now.Add(7*24*time.Hour+time.Minute))

	assert.Equal(t, credential.Valid, credential.Evaluate(cred, now, credential.DefaultRenewalThreshold))
	assert.Equal(t, credential.Expiring, credential.Evaluate(cred, now.Add(2*time.Minute), credential.DefaultRenewalThreshold))
}

func TestLeaf(t *testing.T) {
	notAfter := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	cred := credentialtest.Issue(t, "bravo", notAfter)

	leaf, err := cred.Leaf()
	require.NoError(t, err)
	assert.Equal(t, "bravo", leaf.Subject.CommonName)
	assert.True(t, leaf.NotAfter.Equal(notAfter))

	_, err = (&credential.Credential{}).Leaf()
	assert.Error(t, err)
}

type fakeIssuer struct {
	created []string
	revoked []string
	ttl     time.Duration
	err     error
}

func (f *fakeIssuer) CreateDelegatedCredential(_ context.Context, username string, ttl time.Duration) (*idp.DelegatedCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, username)
	f.ttl = ttl
	return &idp.DelegatedCredential{Identifier: "tok-1", Username: username, Secret: "s3cret", Expires: time.Now().Add(ttl)}, nil
}

func (f *fakeIssuer) RevokeDelegatedCredential(_ context.Context, identifier string) error {
	f.revoked = append(f.revoked, identifier)
	return nil
}

type fakeAuthority struct {
	t        *testing.T
	ca       *credentialtest.CA
	notAfter time.Time
	calls    int
	secrets  []string
	err      error
}

func (f *fakeAuthority) Enroll(_ context.Context, username, secret string) (*credential.Credential, error) {
	f.calls++
	f.secrets = append(f.secrets, secret)
	if f.err != nil {
		return nil, f.err
	}
	return f.ca.Issue(f.t, username, f.notAfter), nil
}

func newFakes(t *testing.T) (*fakeIssuer, *fakeAuthority) {
	return &fakeIssuer{}, &fakeAuthority{t: t, ca: credentialtest.NewCA(t), notAfter: time.Now().Add(365 * 24 * time.Hour)}
}

func TestReconcileValidIsNoop(t *testing.T) {
	issuer, authority := newFakes(t)
	var actions []string
	m := credential.NewManager(credential.ManagerConfig{
		Issuer:    issuer,
		Authority: authority,
		OnAction:  func(a, r string) { actions = append(actions, a+":"+r) },
	})
	current := authority.ca.Issue(t, "alpha@example.org", time.Now().Add(60*24*time.Hour))

	for i := 0; i < 3; i++ {
		out, err := m.Reconcile(context.Background(), "alpha@example.org", current)
		require.NoError(t, err)
		assert.Equal(t, credential.Valid, out.Prior)
		assert.Nil(t, out.Credential)
		assert.Empty(t, out.Action)
	}

	assert.Empty(t, issuer.created)
	assert.Empty(t, issuer.revoked)
	assert.Zero(t, authority.calls)
	assert.Empty(t, actions)
}

func TestReconcileEnrollsAbsent(t *testing.T) {
	issuer, authority := newFakes(t)
	m := credential.NewManager(credential.ManagerConfig{Issuer: issuer, Authority: authority})

	out, err := m.Reconcile(context.Background(), "new@example.org", nil)
	require.NoError(t, err)
	assert.Equal(t, credential.Absent, out.Prior)
	assert.Equal(t, credential.ActionEnroll, out.Action)
	require.NotNil(t, out.Credential)

	leaf, err := out.Credential.Leaf()
	require.NoError(t, err)
	assert.Equal(t, "new@example.org", leaf.Subject.CommonName)

	assert.Equal(t, []string{"new@example.org"}, issuer.created)
	assert.Equal(t, credential.DefaultDelegatedTTL, issuer.ttl)
	assert.Equal(t, []string{"s3cret"}, authority.secrets)
	assert.Equal(t, []string{"tok-1"}, issuer.revoked)
}

func TestReconcileRenewsExpiring(t *testing.T) {
	issuer, authority := newFakes(t)
	m := credential.NewManager(credential.ManagerConfig{Issuer: issuer, Authority: authority})
	current := authority.ca.Issue(t, "alpha@example.org", time.Now().Add(3*24*time.Hour))
	prior, err := current.Leaf()
	require.NoError(t, err)

	out, err := m.Reconcile(context.Background(), "alpha@example.org", current)
	require.NoError(t, err)
	assert.Equal(t, credential.Expiring, out.Prior)
	assert.Equal(t, credential.ActionRenew, out.Action)

	renewed, err := out.Credential.Leaf()
	require.NoError(t, err)
	assert.True(t, renewed.NotAfter.After(prior.NotAfter))
}

func TestReconcileRepairsInvalid(t *testing.T) {
	issuer, authority := newFakes(t)
	m := credential.NewManager(credential.ManagerConfig{Issuer: issuer, Authority: authority})

	out, err := m.Reconcile(context.Background(), "alpha@example.org", &credential.Credential{Certificate: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, credential.Invalid, out.Prior)
	assert.Equal(t, credential.ActionRepair, out.Action)
	assert.NotNil(t, out.Credential)
}

func TestReconcileFailures(t *testing.T) {
	unreachable := faults.Upstream("identity-api", errors.New("connection refused"))

	t.Run("identity provider down", func(t *testing.T) {
		issuer, authority := newFakes(t)
		issuer.err = unreachable
		var results []string
		m := credential.NewManager(credential.ManagerConfig{
			Issuer:    issuer,
			Authority: authority,
			OnAction:  func(_, r string) { results = append(results, r) },
		})

		out, err := m.Reconcile(context.Background(), "alpha@example.org", nil)
		require.Error(t, err)
		assert.True(t, faults.IsUpstream(err))
		assert.Equal(t, credential.ActionEnroll, out.Action)
		assert.Nil(t, out.Credential)
		assert.Zero(t, authority.calls)
		assert.Equal(t, []string{"error"}, results)
	})

	t.Run("authority down revokes secret", func(t *testing.T) {
		issuer, authority := newFakes(t)
		authority.err = faults.Upstream("certificate-authority", errors.New("timeout"))
		m := credential.NewManager(credential.ManagerConfig{Issuer: issuer, Authority: authority})

		out, err := m.Reconcile(context.Background(), "alpha@example.org", nil)
		require.Error(t, err)
		assert.Nil(t, out.Credential)
		assert.Equal(t, []string{"tok-1"}, issuer.revoked)
	})

	t.Run("authority returns expired certificate", func(t *testing.T) {
		issuer, authority := newFakes(t)
		authority.notAfter = time.Now().Add(-time.Minute)
		m := credential.NewManager(credential.ManagerConfig{Issuer: issuer, Authority: authority})

		_, err := m.Reconcile(context.Background(), "alpha@example.org", nil)
		assert.Error(t, err)
	})

	t.Run("not configured", func(t *testing.T) {
		m := credential.NewManager(credential.ManagerConfig{})
		out, err := m.Reconcile(context.Background(), "alpha@example.org", nil)
		assert.ErrorIs(t, err, credential.ErrNotConfigured)
		assert.Equal(t, credential.Absent, out.Prior)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "absent", credential.Absent.String())
	assert.Equal(t, "valid", credential.Valid.String())
	assert.Equal(t, "expiring", credential.Expiring.String())
	assert.Equal(t, "invalid", credential.Invalid.String())
}
