package resolver

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hitoshi/groupman/internal/directory/directorytest"
	"github.com/hitoshi/groupman/internal/mapping"
	"github.com/hitoshi/groupman/internal/matcher"
	"github.com/hitoshi/groupman/internal/model"
)

const testPhone model.PhoneNumber = "6281234567890"

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestResolver(t *testing.T) (*Resolver, *directorytest.Fake, *mapping.Store) {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	store := mapping.NewStore(mapping.NewFileBackend(filepath.Join(t.TempDir(), "mappings.json")), logger)
	store.Load(context.Background())
	m, err := matcher.New(matcher.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	fake := directorytest.New(model.Self{ID: "6289999999999@s.whatsapp.net"})
	return New(store, fake, m, logger), fake, store
}

func TestResolve_InvalidPhoneFailsBeforeDirectory(t *testing.T) {
	r, fake, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "12345", model.GlobalScope)
	if model.KindOf(err) != model.FailureAmbiguousResolution {
		t.Fatalf("err = %v, want AMBIGUOUS_RESOLUTION", err)
	}
	if len(fake.Probes()) != 0 {
		t.Errorf("probes = %v, want none", fake.Probes())
	}
}

func TestResolve_StoreHitSkipsDirectory(t *testing.T) {
	r, fake, store := newTestResolver(t)
	_ = store.AddMapping(context.Background(), "424242@lid", string(testPhone), model.GroupScope("g1@g.us"))
	fake.Network[testPhone] = "other@s.whatsapp.net"

	res, err := r.Resolve(context.Background(), testPhone, model.GroupScope("g1@g.us"))
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != "424242@lid" || res.Source != SourceStore || !res.Verified {
		t.Errorf("Resolve = %+v", res)
	}
	if len(fake.Probes()) != 0 {
		t.Error("store hit must not probe the directory")
	}
}

func TestResolve_NetworkLookupIsCachedGlobally(t *testing.T) {
	r, fake, store := newTestResolver(t)
	fake.Network[testPhone] = "6281234567890@s.whatsapp.net"

	res, err := r.Resolve(context.Background(), testPhone, model.GroupScope("g1@g.us"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceNetwork || !res.Verified {
		t.Errorf("Resolve = %+v", res)
	}
	if id, ok := store.IdentifierForPhone(testPhone, model.GlobalScope); !ok || id != res.ID {
		t.Errorf("global cache = (%q, %v)", id, ok)
	}
}

func TestResolve_ProbesInOrderAndShortCircuits(t *testing.T) {
	r, fake, store := newTestResolver(t)
	fake.Caps.ExistenceLookup = false
	lid := model.OpaqueID(string(testPhone))
	fake.Probeable[lid] = true

	res, err := r.Resolve(context.Background(), testPhone, model.GlobalScope)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != lid || res.Source != SourceProbe {
		t.Errorf("Resolve = %+v", res)
	}
	probes := fake.Probes()
	if len(probes) != 2 || probes[0] != model.PhoneDerivedID(testPhone) || probes[1] != lid {
		t.Errorf("probes = %v", probes)
	}
	if _, ok := store.IdentifierForPhone(testPhone, model.GlobalScope); !ok {
		t.Error("probe result should be cached")
	}
}

func TestResolve_DefaultIsUnverifiedAndNotCached(t *testing.T) {
	r, fake, store := newTestResolver(t)

	res, err := r.Resolve(context.Background(), testPhone, model.GlobalScope)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != model.PhoneDerivedID(testPhone) || res.Source != SourceDefault || res.Verified {
		t.Errorf("Resolve = %+v", res)
	}
	if len(fake.Probes()) != len(ProbeCandidates(testPhone)) {
		t.Errorf("probes = %d, want all candidates", len(fake.Probes()))
	}
	if _, ok := store.IdentifierForPhone(testPhone, model.GlobalScope); ok {
		t.Error("unverified default must not be cached")
	}
}

func TestFindParticipant(t *testing.T) {
	r, _, store := newTestResolver(t)
	snap := &model.GroupSnapshot{
		ID: "g1@g.us",
		Participants: []model.Participant{
			{ID: "6281234567890:3@s.whatsapp.net", Role: model.RoleMember},
			{ID: "081111111111@s.whatsapp.net", Role: model.RoleMember},
			{ID: "999888777666@lid", Role: model.RoleAdmin},
		},
	}
	_ = store.AddMapping(context.Background(), "999888777666@lid", "6282222222222", model.GroupScope("g1@g.us"))

	if p, ok := r.FindParticipant(snap, testPhone); !ok || p.ID != "6281234567890:3@s.whatsapp.net" {
		t.Errorf("device-suffixed match = (%+v, %v)", p, ok)
	}
	if p, ok := r.FindParticipant(snap, "6281111111111"); !ok || p.ID != "081111111111@s.whatsapp.net" {
		t.Errorf("trunk-form match = (%+v, %v)", p, ok)
	}
	if p, ok := r.FindParticipant(snap, "6282222222222"); !ok || p.ID != "999888777666@lid" {
		t.Errorf("store reverse match = (%+v, %v)", p, ok)
	}
	if _, ok := r.FindParticipant(snap, "6283333333333"); ok {
		t.Error("absent phone must not match")
	}
}

func TestDescribe(t *testing.T) {
	r, _, store := newTestResolver(t)
	ctx := context.Background()
	scope := model.GroupScope("g1@g.us")

	_ = store.AddMapping(ctx, "59318229561477@lid", "6285753436471", model.GlobalScope)
	if d := r.Describe(ctx, "59318229561477:4@lid", scope); d.Text != "6285753436471" || d.Source != SourceStore {
		t.Errorf("store display = %+v", d)
	}

	d := r.Describe(ctx, "1185753436472@lid", scope)
	if d.Text != "6285753436472" || d.Confidence != matcher.ConfidenceHeuristic {
		t.Errorf("heuristic display = %+v", d)
	}
	if p, ok := store.PhoneForIdentifier("1185753436472@lid", scope); !ok || p != "6285753436472" {
		t.Errorf("heuristic match should be cached in scope, got (%q, %v)", p, ok)
	}

	d = r.Describe(ctx, "123456789012345@lid", scope)
	if d.Confidence != matcher.ConfidenceLossy {
		t.Errorf("lossy display = %+v", d)
	}
	if _, ok := store.PhoneForIdentifier("123456789012345@lid", scope); ok {
		t.Error("lossy guess must not be cached")
	}

	if got := r.DisplayPhone(ctx, "12345@lid", scope); got != "12345" {
		t.Errorf("unresolvable display = %q", got)
	}
}
