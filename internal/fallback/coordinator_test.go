package fallback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/models"
	"github.com/smartkrishi/smartkrishi-backend/internal/sms"
	"github.com/smartkrishi/smartkrishi-backend/internal/telegram"
)

func openCoordDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &chat.Chat{}, &chat.Message{}, &Session{}, &FallbackMessage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeGateway answers the SMS client's send/register endpoints.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/send"):
			json.NewEncoder(w).Encode(map[string]string{"sms_id": "sms-1", "status": "sent"})
		case strings.HasSuffix(r.URL.Path, "/register"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/receive"):
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/health"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCoordinator(t *testing.T, db *gorm.DB) *Coordinator {
	t.Helper()
	srv := fakeGateway(t)
	c := NewCoordinator(db, chat.NewRepo(db), sms.NewClient(srv.URL), telegram.NewClient(""), 0)
	t.Cleanup(c.Shutdown)
	return c
}

func seedUser(t *testing.T, db *gorm.DB, phone string, verified bool) *models.User {
	t.Helper()
	u := &models.User{
		Name:                  "Test Farmer",
		AuthProvider:          "mobile",
		IsActive:              true,
		AutoFallbackEnabled:   true,
		FallbackMode:          "auto",
		FallbackPhoneVerified: verified,
	}
	if phone != "" {
		u.PhoneNumber = &phone
		u.FallbackPhone = &phone
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestActivate_RequiresVerifiedPhone(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	u := seedUser(t, db, "+9779811111111", false)

	if _, _, err := c.Activate(context.Background(), u.ID, TypeSMS, TriggerManual); err != ErrNoVerifiedPhone {
		t.Fatalf("expected ErrNoVerifiedPhone, got %v", err)
	}
}

func TestActivate_SecondCallReturnsSameSession(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	u := seedUser(t, db, "+9779811111111", true)
	ctx := context.Background()

	s1, created, err := c.Activate(ctx, u.ID, TypeSMS, TriggerManual)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !created {
		t.Fatalf("first activation must create")
	}

	s2, created, err := c.Activate(ctx, u.ID, TypeSMS, TriggerManual)
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if created || s2.ID != s1.ID {
		t.Fatalf("second activation must return the existing session")
	}

	var count int64
	db.Model(&Session{}).Where("user_id = ? AND is_active = ?", u.ID, true).Count(&count)
	if count != 1 {
		t.Fatalf("exactly one active session expected, got %d", count)
	}

	var stored models.User
	db.First(&stored, "id = ?", u.ID)
	if !stored.FallbackActive {
		t.Fatalf("user flag not set")
	}
}

func TestDeactivate_IsIdempotent(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	u := seedUser(t, db, "+9779811111111", true)
	ctx := context.Background()

	if _, _, err := c.Activate(ctx, u.ID, TypeSMS, TriggerManual); err != nil {
		t.Fatalf("activate: %v", err)
	}

	s, err := c.Deactivate(ctx, u.ID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if s == nil || s.IsActive || s.DeactivatedAt == nil {
		t.Fatalf("session not closed: %+v", s)
	}

	// no active session left: a second call is a no-op
	s, err = c.Deactivate(ctx, u.ID)
	if err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil session on no-op deactivate")
	}

	var stored models.User
	db.First(&stored, "id = ?", u.ID)
	if stored.FallbackActive {
		t.Fatalf("user flag not cleared")
	}
}

func TestDeactivate_SendsRestorationNotice(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	u := seedUser(t, db, "+9779811111111", true)
	ctx := context.Background()

	if _, _, err := c.Activate(ctx, u.ID, TypeSMS, TriggerManual); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := c.Deactivate(ctx, u.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	var notices []FallbackMessage
	if err := db.Where("user_id = ? AND message_type = ?", u.ID, "system").
		Order("created_at ASC").Find(&notices).Error; err != nil {
		t.Fatalf("notices: %v", err)
	}
	if len(notices) != 2 {
		t.Fatalf("expected activation and restoration notices, got %d", len(notices))
	}
	var restored *FallbackMessage
	for i := range notices {
		if strings.Contains(notices[i].Content, "connection restored") {
			restored = &notices[i]
		}
	}
	if restored == nil {
		t.Fatalf("restoration notice missing: %+v", notices)
	}
	if !restored.IsDelivered || restored.SmsID == nil {
		t.Fatalf("restoration notice was not sent over the gateway: %+v", restored)
	}
}

func TestActivate_ListenerFollowsSessionLifecycle(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	u := seedUser(t, db, "+9779811111111", true)
	ctx := context.Background()

	s, _, err := c.Activate(ctx, u.ID, TypeSMS, TriggerManual)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !c.sup.Running(listenerKey(s.ID)) {
		t.Fatalf("listener should run while the session is active")
	}

	if _, err := c.Deactivate(ctx, u.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.sup.Running(listenerKey(s.ID)) {
		if time.Now().After(deadline) {
			t.Fatalf("listener still running after deactivate")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessIncomingSMS_MirrorsIntoChat(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	phone := "+9779811111111"
	u := seedUser(t, db, phone, true)
	ctx := context.Background()

	if _, _, err := c.Activate(ctx, u.ID, TypeSMS, TriggerManual); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := c.ProcessIncomingSMS(ctx, phone, "My tomatoes have pests", "in-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	// a fallback chat was created and pinned to the session
	var ch chat.Chat
	if err := db.Where("user_id = ? AND is_fallback_chat = ?", u.ID, true).First(&ch).Error; err != nil {
		t.Fatalf("fallback chat: %v", err)
	}
	if !strings.HasPrefix(ch.Title, "SMS Fallback - ") {
		t.Fatalf("unexpected title %q", ch.Title)
	}
	if ch.FallbackPhoneNumber == nil || *ch.FallbackPhoneNumber != phone {
		t.Fatalf("phone not pinned on chat")
	}

	// the inbound text became a provenance-tagged user message
	var msg chat.Message
	if err := db.Where("chat_id = ? AND role = ?", ch.ID, "user").First(&msg).Error; err != nil {
		t.Fatalf("user message: %v", err)
	}
	if msg.Content != "My tomatoes have pests" {
		t.Fatalf("content mismatch: %q", msg.Content)
	}
	if msg.FallbackType == nil || *msg.FallbackType != TypeSMS {
		t.Fatalf("fallback provenance missing")
	}

	// the gateway message became an inbound delivery record
	var rec FallbackMessage
	if err := db.Where("user_id = ? AND message_type = ?", u.ID, "inbound").First(&rec).Error; err != nil {
		t.Fatalf("inbound record: %v", err)
	}
	if rec.SmsID == nil || *rec.SmsID != "in-1" {
		t.Fatalf("gateway sms id not kept: %+v", rec)
	}

	// the reply comes from the gateway side, so no outbound row is written
	var outbound int64
	db.Model(&FallbackMessage{}).Where("user_id = ? AND message_type = ?", u.ID, "outbound").Count(&outbound)
	if outbound != 0 {
		t.Fatalf("no outbound record expected, got %d", outbound)
	}

	// a second message reuses the same chat
	if err := c.ProcessIncomingSMS(ctx, phone, "And my maize?", "in-2"); err != nil {
		t.Fatalf("second process: %v", err)
	}
	var chatCount int64
	db.Model(&chat.Chat{}).Where("user_id = ? AND is_fallback_chat = ?", u.ID, true).Count(&chatCount)
	if chatCount != 1 {
		t.Fatalf("fallback chat must be reused, got %d", chatCount)
	}
}

func TestProcessIncomingSMS_UnknownPhone(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)

	err := c.ProcessIncomingSMS(context.Background(), "+10000000000", "hello", "")
	if err != ErrUnknownPhone {
		t.Fatalf("expected ErrUnknownPhone, got %v", err)
	}
}

func TestUpdateSettings_PhoneChangeResetsVerification(t *testing.T) {
	db := openCoordDB(t)
	c := newTestCoordinator(t, db)
	u := seedUser(t, db, "+9779811111111", true)
	ctx := context.Background()

	newPhone := "+9779822222222"
	settings, err := c.UpdateSettings(ctx, u.ID, SettingsUpdate{FallbackPhone: &newPhone})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if settings.FallbackPhoneVerified {
		t.Fatalf("changing the phone must reset verification")
	}
	if settings.FallbackPhone == nil || *settings.FallbackPhone != newPhone {
		t.Fatalf("phone not updated")
	}

	// same phone again: verification untouched
	if err := db.Model(&models.User{}).Where("id = ?", u.ID).Update("fallback_phone_verified", true).Error; err != nil {
		t.Fatalf("reset: %v", err)
	}
	settings, err = c.UpdateSettings(ctx, u.ID, SettingsUpdate{FallbackPhone: &newPhone})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !settings.FallbackPhoneVerified {
		t.Fatalf("unchanged phone must keep verification")
	}
}

func TestSupervisorStartStop(t *testing.T) {
	s := NewSupervisor()
	started := make(chan struct{})

	okk := s.Start(context.Background(), "loop", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	if !okk {
		t.Fatalf("first start must succeed")
	}
	<-started

	if s.Start(context.Background(), "loop", func(ctx context.Context) {}) {
		t.Fatalf("duplicate key must not start")
	}
	if !s.Running("loop") {
		t.Fatalf("task should be running")
	}

	s.StopAll()
	if s.Running("loop") {
		t.Fatalf("task should be gone after StopAll")
	}
}
