package launch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openacademy/lti-platform/internal/deeplink"
	"github.com/openacademy/lti-platform/internal/grade"
	"github.com/openacademy/lti-platform/internal/keys"
	"github.com/openacademy/lti-platform/internal/profile"
	"github.com/openacademy/lti-platform/internal/session"
)

// One RSA key for the whole package; generating 2048-bit keys per test is
// needlessly slow.
var testRSAKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

type fakeKeys struct{ kp keys.KeyPair }

func (f *fakeKeys) GetOrCreate(context.Context) (keys.KeyPair, error) { return f.kp, nil }

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	now      func() time.Time
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]session.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (f *fakeSessions) Create(_ context.Context, s session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.State] = s
	return nil
}

func (f *fakeSessions) Get(_ context.Context, state string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[state]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if f.now().After(s.ExpiresAt) {
		return session.Session{}, session.ErrExpired
	}
	return s, nil
}

func (f *fakeSessions) Consume(_ context.Context, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[state]; !ok {
		return session.ErrNotFound
	}
	delete(f.sessions, state)
	return nil
}

func (f *fakeSessions) SweepExpired(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for state, s := range f.sessions {
		if f.now().After(s.ExpiresAt) {
			delete(f.sessions, state)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessions) only() session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		return s
	}
	return session.Session{}
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeDeepLinks struct {
	mu      sync.Mutex
	records map[string]deeplink.Record
	pending map[string]string // data -> courseID
}

func newFakeDeepLinks() *fakeDeepLinks {
	return &fakeDeepLinks{
		records: make(map[string]deeplink.Record),
		pending: make(map[string]string),
	}
}

func (f *fakeDeepLinks) UpsertAll(_ context.Context, recs []deeplink.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		f.records[rec.ResourceLinkID] = rec
	}
	return nil
}

func (f *fakeDeepLinks) Get(_ context.Context, id string) (deeplink.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return deeplink.Record{}, deeplink.ErrNotFound
	}
	return rec, nil
}

func (f *fakeDeepLinks) ListByCourse(_ context.Context, courseID string) ([]deeplink.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deeplink.Record
	for _, rec := range f.records {
		if rec.CourseID == courseID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeDeepLinks) RegisterPending(_ context.Context, data, courseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[data] = courseID
	return nil
}

func (f *fakeDeepLinks) ConsumePending(_ context.Context, data string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	courseID, ok := f.pending[data]
	if !ok {
		return "", deeplink.ErrNoPending
	}
	delete(f.pending, data)
	return courseID, nil
}

type fakeGrades struct {
	mu      sync.Mutex
	records map[string]grade.Record
}

func newFakeGrades() *fakeGrades {
	return &fakeGrades{records: make(map[string]grade.Record)}
}

func (f *fakeGrades) Upsert(_ context.Context, rec grade.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ResourceLinkID+"|"+rec.UserID] = rec
	return nil
}

func (f *fakeGrades) get(resourceLinkID, userID string) (grade.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[resourceLinkID+"|"+userID]
	return rec, ok
}

type fakeProfiles struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeProfiles() *fakeProfiles { return &fakeProfiles{values: make(map[string]string)} }

func (f *fakeProfiles) Get(_ context.Context, scope, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[scope+"|"+key]
	if !ok {
		return "", profile.ErrNotFound
	}
	return v, nil
}

func (f *fakeProfiles) Set(_ context.Context, scope, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[scope+"|"+key] = value
	return nil
}

type fakeRoster struct {
	mu     sync.Mutex
	id     string
	err    error
	emails []string
}

func (f *fakeRoster) LookupLearnerID(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	return f.id, f.err
}

type auditEntry struct {
	typ     string
	details map[string]any
	success bool
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (f *fakeAudit) Record(_ context.Context, typ string, details map[string]any, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, auditEntry{typ: typ, details: details, success: success})
}

func (f *fakeAudit) last() (auditEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return auditEntry{}, false
	}
	return f.entries[len(f.entries)-1], true
}

// testEnv bundles a Server with its fake collaborators.
type testEnv struct {
	srv       *Server
	sessions  *fakeSessions
	deepLinks *fakeDeepLinks
	grades    *fakeGrades
	profiles  *fakeProfiles
	audit     *fakeAudit
}

func newTestEnv() *testEnv {
	env := &testEnv{
		sessions:  newFakeSessions(),
		deepLinks: newFakeDeepLinks(),
		grades:    newFakeGrades(),
		profiles:  newFakeProfiles(),
		audit:     &fakeAudit{},
	}
	env.srv = &Server{
		Keys:      &fakeKeys{kp: keys.KeyPair{KID: "lti-test", Private: testRSAKey}},
		Sessions:  env.sessions,
		DeepLinks: env.deepLinks,
		Grades:    env.grades,
		Profiles:  env.profiles,
		Audit:     env.audit,

		Issuer:           "https://platform.example",
		ToolClientID:     "tool-client",
		ToolOIDCLoginURL: "https://tool.example/lti/login",
		ToolLaunchURL:    "https://tool.example/lti/launch",
		ToolPublicKey:    &testRSAKey.PublicKey,
		ToolSecretHash:   "plain-secret",

		DeploymentID:    "1",
		PlatformName:    "OpenAcademy",
		PlatformVersion: "1.0",
		PlatformGUID:    "openacademy.test",

		Logger: zerolog.Nop(),
	}
	return env
}
