package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agricore/module-orchestrator/internal/crypto"
	"github.com/agricore/module-orchestrator/internal/db/models"
	"github.com/agricore/module-orchestrator/internal/db/repositories"
	"github.com/agricore/module-orchestrator/internal/proxy"
	"github.com/agricore/module-orchestrator/internal/runtime"
	"github.com/agricore/module-orchestrator/internal/secprofile"
)

// fakeStore is an in-memory ModuleStore that mirrors the SQL repository's
// conflict and limit semantics. With honorCtx set, writes fail when the
// caller's context is already dead, like the real repository would.
type fakeStore struct {
	mu           sync.Mutex
	modules      map[string]*models.Module // by ID
	insertErr    error
	getErr       error
	setStatusErr error
	honorCtx     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{modules: make(map[string]*models.Module)}
}

func (s *fakeStore) InsertPending(_ context.Context, m *models.Module, maxTotal, maxPerUser int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	total, byUser := 0, 0
	for _, existing := range s.modules {
		if !existing.Active() {
			continue
		}
		if existing.Name == m.Name {
			return repositories.ErrNameTaken
		}
		if existing.RoutePrefix == m.RoutePrefix {
			return repositories.ErrRouteTaken
		}
		total++
		if existing.InstalledBy == m.InstalledBy {
			byUser++
		}
	}
	if total >= maxTotal || byUser >= maxPerUser {
		return repositories.ErrLimitReached
	}
	cp := *m
	cp.Status = models.StatusPending
	s.modules[m.ID] = &cp
	return nil
}

func (s *fakeStore) GetActiveByName(_ context.Context, name string) (*models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	for _, m := range s.modules {
		if m.Name == name && m.Active() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListActive(_ context.Context, limit, offset int) ([]*models.Module, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Module
	for _, m := range s.modules {
		if m.Active() {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	if limit < 1 {
		limit = 50
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (s *fakeStore) ListByStatus(_ context.Context, status string) ([]*models.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Module
	for _, m := range s.modules {
		if m.Status == status {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) mutate(id string, fn func(*models.Module)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return fmt.Errorf("no module with id %s", id)
	}
	fn(m)
	return nil
}

func (s *fakeStore) SetStatus(_ context.Context, id, status string) error {
	if s.setStatusErr != nil {
		return s.setStatusErr
	}
	return s.mutate(id, func(m *models.Module) { m.Status = status })
}

func (s *fakeStore) MarkInstalled(_ context.Context, id, containerID, containerName string) error {
	return s.mutate(id, func(m *models.Module) {
		m.Status = models.StatusRunning
		m.Health = models.HealthHealthy
		m.ContainerID = containerID
		m.ContainerName = containerName
		m.ErrorMessage = ""
	})
}

func (s *fakeStore) MarkError(ctx context.Context, id, message string) error {
	if s.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	return s.mutate(id, func(m *models.Module) {
		m.Status = models.StatusError
		m.Health = models.HealthUnhealthy
		m.ErrorMessage = message
		m.ErrorCount++
		now := time.Now()
		m.LastErrorAt = &now
	})
}

func (s *fakeStore) MarkStopped(_ context.Context, id string) error {
	return s.mutate(id, func(m *models.Module) {
		m.Status = models.StatusStopped
		m.Health = models.HealthUnknown
	})
}

func (s *fakeStore) MarkRunning(_ context.Context, id string) error {
	return s.mutate(id, func(m *models.Module) {
		m.Status = models.StatusRunning
		m.Health = models.HealthHealthy
		m.ErrorMessage = ""
	})
}

func (s *fakeStore) SetHealth(_ context.Context, id, health string) error {
	return s.mutate(id, func(m *models.Module) { m.Health = health })
}

func (s *fakeStore) SetRestartCount(_ context.Context, id string, count int) error {
	return s.mutate(id, func(m *models.Module) { m.RestartCount = count })
}

func (s *fakeStore) Tombstone(_ context.Context, id string) error {
	return s.mutate(id, func(m *models.Module) { m.Status = models.StatusRemoved })
}

func (s *fakeStore) CountActive(_ context.Context, userID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, byUser := 0, 0
	for _, m := range s.modules {
		if !m.Active() {
			continue
		}
		total++
		if m.InstalledBy == userID {
			byUser++
		}
	}
	return total, byUser, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *fakeAudit) Record(_ context.Context, entry *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) List(_ context.Context, filter models.AuditFilter) ([]*models.AuditLog, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.AuditLog
	for _, e := range a.entries {
		if filter.ModuleName != "" && e.ModuleName != filter.ModuleName {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (a *fakeAudit) last() *models.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type fakeRoutes struct {
	mu         sync.Mutex
	routes     map[string]string // prefix -> endpoint ("" while reserved)
	reserveErr error
	commitErr  error
	honorCtx   bool
}

func newFakeRoutes() *fakeRoutes {
	return &fakeRoutes{routes: make(map[string]string)}
}

func (r *fakeRoutes) Reserve(_ context.Context, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserveErr != nil {
		return r.reserveErr
	}
	if _, taken := r.routes[prefix]; taken {
		return fmt.Errorf("%w: %s", proxy.ErrRouteTaken, prefix)
	}
	r.routes[prefix] = ""
	return nil
}

func (r *fakeRoutes) Commit(_ context.Context, prefix, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.routes[prefix] = endpoint
	return nil
}

func (r *fakeRoutes) Release(ctx context.Context, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	delete(r.routes, prefix)
	return nil
}

func (r *fakeRoutes) endpoint(prefix string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.routes[prefix]
	return ep, ok
}

type fakeRuntime struct {
	mu                sync.Mutex
	labels            map[string]string
	validateErr       error
	createErr         error
	createWaitsForCtx bool // block Create until the context dies, then fail with its error
	startErr          error
	stopErr           error
	removeErr         error
	statsErr          error
	stats             *runtime.Stats
	pingErr           error

	created []runtime.CreateSpec
	started []string
	stopped []string
	removed []string
}

func (r *fakeRuntime) ValidateImage(_ context.Context, image string) (*runtime.ImageInfo, error) {
	if r.validateErr != nil {
		return nil, r.validateErr
	}
	return &runtime.ImageInfo{ID: "sha256:abc", Labels: r.labels}, nil
}

func (r *fakeRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	if r.createWaitsForCtx {
		<-ctx.Done()
		return "", ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.created = append(r.created, spec)
	return "ctr-" + spec.Name, nil
}

func (r *fakeRuntime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return r.stopErr
	}
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *fakeRuntime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) Stats(_ context.Context, id string) (*runtime.Stats, error) {
	if r.statsErr != nil {
		return nil, r.statsErr
	}
	if r.stats != nil {
		return r.stats, nil
	}
	return &runtime.Stats{State: "running", Running: true}, nil
}

func (r *fakeRuntime) Ping(_ context.Context) error { return r.pingErr }

type fakeLicense struct {
	formatErr   error
	validateErr error
}

func (l *fakeLicense) CheckFormat(string) error { return l.formatErr }
func (l *fakeLicense) Validate(context.Context, string, string) error {
	return l.validateErr
}

type harness struct {
	mgr    *Manager
	store  *fakeStore
	audit  *fakeAudit
	routes *fakeRoutes
	rt     *fakeRuntime
	lic    *fakeLicense
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cipher, err := crypto.NewLicenseCipher("test-master-key")
	require.NoError(t, err)

	h := &harness{
		store:  newFakeStore(),
		audit:  &fakeAudit{},
		routes: newFakeRoutes(),
		rt:     &fakeRuntime{},
		lic:    &fakeLicense{},
	}
	h.mgr = NewManager(h.store, h.audit, h.routes, h.rt, h.lic, cipher,
		secprofile.NewResolver("production"), Limits{MaxTotal: 50, MaxPerUser: 10})
	return h
}

func installReq(name string) *InstallRequest {
	return &InstallRequest{
		Name:        name,
		DisplayName: "Test Module",
		Image:       "agricore/" + name + ":1.2.0",
		Version:     "1.2.0",
		LicenseKey:  "PLF-ABCDE-FGH23-JKLMN-PQRST",
		RoutePrefix: "/modules/" + name,
		Ports:       []models.PortMapping{{HostPort: 18080, ContainerPort: 8080}},
	}
}

var actor = Actor{UserID: "user-1", Email: "admin@farm.io", Role: "super-admin"}

func TestInstall_Success(t *testing.T) {
	h := newHarness(t)

	mod, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalling, mod.Status)

	h.mgr.Drain()

	final, err := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.StatusRunning, final.Status)
	assert.Equal(t, "ctr-module-weather-station", final.ContainerID)
	assert.Equal(t, "module-weather-station", final.ContainerName)

	ep, ok := h.routes.endpoint("/modules/weather-station")
	assert.True(t, ok)
	assert.Equal(t, "http://module-weather-station:8080", ep)

	require.Len(t, h.rt.created, 1)
	assert.Equal(t, secprofile.Strict, h.rt.created[0].Profile.Name)

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.OpInstall, entry.Operation)
	assert.Equal(t, models.AuditSuccess, entry.Status)
	assert.Equal(t, "user-1", entry.UserID)
	assert.Equal(t, 1, h.audit.count())

	// License key must be sealed, never stored in the clear.
	assert.NotEqual(t, "PLF-ABCDE-FGH23-JKLMN-PQRST", final.LicenseKeyEncrypted)
	assert.NotEmpty(t, final.LicenseSalt)
}

func TestInstall_ValidationErrors(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		mutate func(*InstallRequest)
	}{
		{"uppercase name", func(r *InstallRequest) { r.Name = "Weather" }},
		{"short name", func(r *InstallRequest) { r.Name = "w" }},
		{"bad version", func(r *InstallRequest) { r.Version = "not-a-version" }},
		{"untagged image", func(r *InstallRequest) { r.Image = "agricore/weather" }},
		{"latest tag", func(r *InstallRequest) { r.Image = "agricore/weather:latest" }},
		{"relative route", func(r *InstallRequest) { r.RoutePrefix = "modules/weather" }},
		{"trailing slash", func(r *InstallRequest) { r.RoutePrefix = "/modules/weather/" }},
		{"bad port", func(r *InstallRequest) { r.Ports = []models.PortMapping{{HostPort: 0, ContainerPort: 8080}} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := installReq("weather-station")
			tc.mutate(req)
			_, err := h.mgr.Install(context.Background(), req, actor)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Nothing was registered and every failure was audited.
	mods, _, err := h.store.ListActive(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, mods)
	assert.Equal(t, len(cases), h.audit.count())
}

func TestInstall_LicenseFormatRejected(t *testing.T) {
	h := newHarness(t)
	h.lic.formatErr = errors.New("license key invalid")

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInstall_ConflictWhileInFlight(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.mgr.locks.TryAcquire("weather-station"))
	defer h.mgr.locks.Release("weather-station")

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestInstall_NameAlreadyTaken(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	req := installReq("weather-station")
	req.RoutePrefix = "/modules/other"
	_, err = h.mgr.Install(context.Background(), req, actor)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestInstall_RouteAlreadyTakenInRegistry(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	req := installReq("irrigation")
	req.RoutePrefix = "/modules/weather-station"
	_, err = h.mgr.Install(context.Background(), req, actor)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestInstall_PerUserLimit(t *testing.T) {
	h := newHarness(t)
	h.store.insertErr = repositories.ErrLimitReached
	for i := 0; i < 10; i++ {
		h.store.modules[fmt.Sprintf("id-%d", i)] = &models.Module{
			ID:          fmt.Sprintf("id-%d", i),
			Name:        fmt.Sprintf("mod-%d", i),
			Status:      models.StatusRunning,
			InstalledBy: "user-1",
		}
	}

	_, err := h.mgr.Install(context.Background(), installReq("one-more"), actor)
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "10 of 10")
}

func TestInstall_RouteReservationConflict(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.routes.Reserve(context.Background(), "/modules/weather-station"))

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.ErrorIs(t, err, ErrConflict)

	// The losing install did zero container work and left no live record.
	assert.Empty(t, h.rt.created)
	mod, err := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NoError(t, err)
	assert.Nil(t, mod)
}

func TestInstall_LicenseRejectedAsync(t *testing.T) {
	h := newHarness(t)
	h.lic.validateErr = errors.New("license key expired")

	mod, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	final, err := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.StatusError, final.Status)
	assert.Contains(t, final.ErrorMessage, "expired")
	assert.Equal(t, 1, final.ErrorCount)

	// Route reservation was rolled back and no container was touched.
	_, reserved := h.routes.endpoint(mod.RoutePrefix)
	assert.False(t, reserved)
	assert.Empty(t, h.rt.created)

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.AuditFailure, entry.Status)
	assert.Equal(t, "license", entry.Metadata["stage"])
}

func TestInstall_ImagePullFailure(t *testing.T) {
	h := newHarness(t)
	h.rt.validateErr = fmt.Errorf("%w: no such image", runtime.ErrImagePullFailed)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	final, _ := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NotNil(t, final)
	assert.Equal(t, models.StatusError, final.Status)
	assert.Empty(t, h.rt.created)
}

func TestInstall_ContainerStartFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.rt.startErr = fmt.Errorf("%w: oom", runtime.ErrContainerStartFailed)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	final, _ := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NotNil(t, final)
	assert.Equal(t, models.StatusError, final.Status)

	// The created container was removed and the route released.
	assert.Equal(t, []string{"ctr-module-weather-station"}, h.rt.removed)
	_, reserved := h.routes.endpoint("/modules/weather-station")
	assert.False(t, reserved)
}

func TestInstall_DeadlineExceededStillCleansUp(t *testing.T) {
	h := newHarness(t)
	h.mgr.installTTL = 25 * time.Millisecond
	h.rt.createWaitsForCtx = true
	h.store.honorCtx = true
	h.routes.honorCtx = true

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	// The install deadline killed the create, yet the record still reached
	// the error state and the route reservation was released: cleanup must
	// not run on the already-expired install context.
	final, err := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, models.StatusError, final.Status)

	_, reserved := h.routes.endpoint("/modules/weather-station")
	assert.False(t, reserved)

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.AuditFailure, entry.Status)
	assert.Equal(t, "create", entry.Metadata["stage"])
}

func TestInstall_SecurityProfileFromRequest(t *testing.T) {
	h := newHarness(t)
	h.rt.labels = map[string]string{secprofile.LabelProfile: secprofile.Strict}

	req := installReq("weather-station")
	req.SecurityProfile = secprofile.Relaxed
	_, err := h.mgr.Install(context.Background(), req, actor)
	require.NoError(t, err)
	h.mgr.Drain()

	require.Len(t, h.rt.created, 1)
	assert.Equal(t, secprofile.Relaxed, h.rt.created[0].Profile.Name)
}

func TestInstall_NameReusableAfterUninstall(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	require.NoError(t, h.mgr.Uninstall(context.Background(), "weather-station", actor))

	_, err = h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	assert.NoError(t, err)
	h.mgr.Drain()
}

func TestUninstall_Success(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	require.NoError(t, h.mgr.Uninstall(context.Background(), "weather-station", actor))

	mod, err := h.store.GetActiveByName(context.Background(), "weather-station")
	require.NoError(t, err)
	assert.Nil(t, mod)

	assert.Contains(t, h.rt.removed, "ctr-module-weather-station")
	_, reserved := h.routes.endpoint("/modules/weather-station")
	assert.False(t, reserved)

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.OpUninstall, entry.Operation)
	assert.Equal(t, models.AuditSuccess, entry.Status)
}

func TestUninstall_NotFound(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.Uninstall(context.Background(), "ghost", actor)
	assert.ErrorIs(t, err, ErrNotFound)

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.AuditFailure, entry.Status)
}

func TestUninstall_BestEffortOnContainerFailure(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	h.rt.removeErr = errors.New("daemon hiccup")
	require.NoError(t, h.mgr.Uninstall(context.Background(), "weather-station", actor))

	// The record is gone even though container teardown failed, and the
	// partial failure is captured in the audit metadata.
	mod, _ := h.store.GetActiveByName(context.Background(), "weather-station")
	assert.Nil(t, mod)
	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.AuditSuccess, entry.Status)
	assert.Contains(t, entry.Metadata["container_remove_error"], "hiccup")
}

func TestUninstall_StoreReadFailureAudited(t *testing.T) {
	h := newHarness(t)
	h.store.getErr = errors.New("connection reset")

	require.Error(t, h.mgr.Uninstall(context.Background(), "weather-station", actor))

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.OpUninstall, entry.Operation)
	assert.Equal(t, models.AuditFailure, entry.Status)
}

func TestUninstall_TransitionFailureAudited(t *testing.T) {
	h := newHarness(t)
	installed(t, h, "weather-station")

	h.store.setStatusErr = errors.New("disk full")
	require.Error(t, h.mgr.Uninstall(context.Background(), "weather-station", actor))

	entry := h.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, models.AuditFailure, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "disk full")
}

func TestStopStart_RoundTrip(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	require.NoError(t, h.mgr.Stop(context.Background(), "weather-station", actor))
	mod, _ := h.store.GetActiveByName(context.Background(), "weather-station")
	assert.Equal(t, models.StatusStopped, mod.Status)

	// Stopping again is a conflict.
	assert.ErrorIs(t, h.mgr.Stop(context.Background(), "weather-station", actor), ErrConflict)

	require.NoError(t, h.mgr.Start(context.Background(), "weather-station", actor))
	mod, _ = h.store.GetActiveByName(context.Background(), "weather-station")
	assert.Equal(t, models.StatusRunning, mod.Status)

	assert.ErrorIs(t, h.mgr.Start(context.Background(), "weather-station", actor), ErrConflict)
}

func TestStartStop_NotFound(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.mgr.Start(context.Background(), "ghost", actor), ErrNotFound)
	assert.ErrorIs(t, h.mgr.Stop(context.Background(), "ghost", actor), ErrNotFound)
}

func TestStartStop_StoreReadFailureAudited(t *testing.T) {
	h := newHarness(t)
	h.store.getErr = errors.New("connection reset")

	require.Error(t, h.mgr.Start(context.Background(), "weather-station", actor))
	require.Error(t, h.mgr.Stop(context.Background(), "weather-station", actor))

	// Both failed attempts were audited.
	require.Equal(t, 2, h.audit.count())
	assert.Equal(t, models.OpStop, h.audit.last().Operation)
	assert.Equal(t, models.AuditFailure, h.audit.last().Status)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	h.rt.stats = &runtime.Stats{State: "running", Running: true, CPUPercent: 12.5}
	st, err := h.mgr.Status(context.Background(), "weather-station")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, st.Module.Status)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 12.5, st.Stats.CPUPercent)
}

func TestStatus_StatsBestEffort(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Install(context.Background(), installReq("weather-station"), actor)
	require.NoError(t, err)
	h.mgr.Drain()

	h.rt.statsErr = runtime.ErrRuntimeUnreachable
	st, err := h.mgr.Status(context.Background(), "weather-station")
	require.NoError(t, err)
	assert.Nil(t, st.Stats)
}

func installed(t *testing.T, h *harness, name string) *models.Module {
	t.Helper()
	_, err := h.mgr.Install(context.Background(), installReq(name), actor)
	require.NoError(t, err)
	h.mgr.Drain()
	mod, err := h.store.GetActiveByName(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, mod)
	return mod
}

func TestPollHealth_CleanExit(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	h.rt.stats = &runtime.Stats{State: "exited", Running: false, ExitCode: 0}
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.StatusStopped, final.Status)
	assert.Zero(t, final.ErrorCount)
}

func TestPollHealth_AbnormalExit(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	h.rt.stats = &runtime.Stats{State: "exited", Running: false, ExitCode: 137}
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.StatusError, final.Status)
	assert.Contains(t, final.ErrorMessage, "137")
	assert.Equal(t, 1, final.ErrorCount)
}

func TestPollHealth_ContainerMissing(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	h.rt.statsErr = runtime.ErrContainerNotFound
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.StatusError, final.Status)
}

func TestPollHealth_RuntimeUnreachableLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	h.rt.statsErr = runtime.ErrRuntimeUnreachable
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.StatusRunning, final.Status)
}

func TestPollHealth_SkipsLockedModules(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	require.True(t, h.mgr.locks.TryAcquire(mod.Name))
	defer h.mgr.locks.Release(mod.Name)

	h.rt.stats = &runtime.Stats{State: "exited", Running: false, ExitCode: 1}
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.StatusRunning, final.Status)
}

func TestPollHealth_EngineUnhealthy(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	h.rt.stats = &runtime.Stats{State: "running", Running: true, Health: runtime.HealthUnhealthy}
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.StatusRunning, final.Status)
	assert.Equal(t, models.HealthUnhealthy, final.Health)

	// Recovery flips it back.
	h.rt.stats = &runtime.Stats{State: "running", Running: true, Health: runtime.HealthHealthy}
	h.mgr.PollHealth(context.Background())
	final, _ = h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, models.HealthHealthy, final.Health)
}

func TestPollHealth_PersistsRestartCount(t *testing.T) {
	h := newHarness(t)
	mod := installed(t, h, "weather-station")

	h.rt.stats = &runtime.Stats{State: "running", Running: true, RestartCount: 3}
	h.mgr.PollHealth(context.Background())

	final, _ := h.store.GetActiveByName(context.Background(), mod.Name)
	assert.Equal(t, 3, final.RestartCount)
}

func TestAuditLog_Filtering(t *testing.T) {
	h := newHarness(t)
	installed(t, h, "weather-station")
	require.NoError(t, h.mgr.Uninstall(context.Background(), "weather-station", actor))

	entries, total, err := h.mgr.AuditLog(context.Background(), models.AuditFilter{Operation: models.OpUninstall})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpUninstall, entries[0].Operation)
}
