package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/models"
	"github.com/smartkrishi/smartkrishi-backend/internal/sms"
	"github.com/smartkrishi/smartkrishi-backend/internal/telegram"
)

var (
	ErrNoVerifiedPhone    = errors.New("no verified fallback phone number")
	ErrNoActiveSession    = errors.New("no active fallback session")
	ErrUnknownPhone       = errors.New("phone number not registered for fallback")
	ErrChannelUnavailable = errors.New("fallback channel unavailable")
)

// Activation triggers recorded on a session. Manual comes from the API,
// auto from the monitor loop; network_failure is accepted from callers
// that already diagnosed the outage themselves.
const (
	TriggerManual         = "manual"
	TriggerAuto           = "auto"
	TriggerNetworkFailure = "network_failure"

	TypeSMS      = "sms"
	TypeTelegram = "telegram"
)

const (
	taskMonitor = "monitor"

	listenerErrorBackoff = 5 * time.Second
	listenerIdleDelay    = time.Second
)

func listenerKey(sessionID string) string { return "sms-listener:" + sessionID }

// Coordinator owns fallback sessions: activation, deactivation, the
// inbound SMS pipeline, and the background health monitor.
type Coordinator struct {
	db     *gorm.DB
	chats  *chat.Repo
	smsAPI *sms.Client
	tgAPI  *telegram.Client

	monitor *Monitor
	sup     *Supervisor

	// runCtx parents the per-session listener tasks; set by Start.
	runCtx context.Context

	monitorInterval time.Duration

	// Probe checks upstream connectivity; nil disables auto activation.
	Probe func(ctx context.Context) error
}

func NewCoordinator(db *gorm.DB, chats *chat.Repo, smsAPI *sms.Client, tgAPI *telegram.Client, monitorInterval time.Duration) *Coordinator {
	if monitorInterval <= 0 {
		monitorInterval = 30 * time.Second
	}
	return &Coordinator{
		db:              db,
		chats:           chats,
		smsAPI:          smsAPI,
		tgAPI:           tgAPI,
		monitor:         NewMonitor(),
		sup:             NewSupervisor(),
		runCtx:          context.Background(),
		monitorInterval: monitorInterval,
	}
}

func (c *Coordinator) Monitor() *Monitor { return c.monitor }

func (c *Coordinator) getUser(ctx context.Context, userID uint64) (*models.User, error) {
	var u models.User
	if err := c.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveSession returns the user's active session, ErrNoActiveSession
// when there is none.
func (c *Coordinator) ActiveSession(ctx context.Context, userID uint64) (*Session, error) {
	var s Session
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("activated_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Activate opens a fallback session for the user. The existence check
// and the insert run in one transaction so two concurrent activations
// cannot both create a session; the loser gets the winner's session
// back with created=false.
func (c *Coordinator) Activate(ctx context.Context, userID uint64, fallbackType, trigger string) (*Session, bool, error) {
	u, err := c.getUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if u.FallbackPhone == nil || *u.FallbackPhone == "" || !u.FallbackPhoneVerified {
		return nil, false, ErrNoVerifiedPhone
	}
	if fallbackType == "" {
		fallbackType = TypeSMS
	}
	if trigger == "" {
		trigger = TriggerManual
	}

	var session Session
	created := false
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND is_active = ?", userID, true).
			Order("activated_at DESC").
			First(&session).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		session = Session{
			UserID:            userID,
			PhoneNumber:       *u.FallbackPhone,
			FallbackType:      fallbackType,
			IsActive:          true,
			ActivationTrigger: trigger,
		}
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("fallback_active", true).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return &session, false, nil
	}

	// gateway registration is best effort; the session is live either way
	switch session.FallbackType {
	case TypeTelegram:
		if err := c.tgAPI.ActivateFallback(ctx, session.PhoneNumber, userID); err != nil {
			log.Printf("fallback telegram activate failed user=%d err=%v", userID, err)
		}
	default:
		if err := c.smsAPI.RegisterPhone(ctx, session.PhoneNumber, userID); err != nil {
			log.Printf("fallback sms register failed user=%d err=%v", userID, err)
		}
	}

	c.sendSystemNotice(ctx, &session,
		"SmartKrishi fallback mode is now active. Reply to this number to keep chatting.")

	c.startListener(&session)
	c.monitor.Reset(userID)
	log.Printf("fallback activated user=%d session=%s type=%s trigger=%s", userID, session.ID, session.FallbackType, trigger)
	return &session, true, nil
}

// Deactivate closes the user's active session. Calling it with no
// active session is a no-op.
func (c *Coordinator) Deactivate(ctx context.Context, userID uint64) (*Session, error) {
	session, err := c.ActiveSession(ctx, userID)
	if errors.Is(err, ErrNoActiveSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Session{}).
			Where("id = ?", session.ID).
			Updates(map[string]any{"is_active": false, "deactivated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("fallback_active", false).Error
	})
	if err != nil {
		return nil, err
	}
	session.IsActive = false
	session.DeactivatedAt = &now
	c.sup.Stop(listenerKey(session.ID))

	if session.FallbackType == TypeTelegram {
		if err := c.tgAPI.DeactivateFallback(ctx, session.PhoneNumber); err != nil {
			log.Printf("fallback telegram deactivate failed user=%d err=%v", userID, err)
		}
	}

	c.sendSystemNotice(ctx, session,
		"SmartKrishi connection restored. Continue your conversation in the app.")

	log.Printf("fallback deactivated user=%d session=%s", userID, session.ID)
	return session, nil
}

// sendSystemNotice delivers an informational message over the session's
// channel and records it. Failures are logged, never returned.
func (c *Coordinator) sendSystemNotice(ctx context.Context, s *Session, text string) {
	rec := FallbackMessage{
		SessionID:    s.ID,
		UserID:       s.UserID,
		PhoneNumber:  s.PhoneNumber,
		MessageType:  "system",
		Content:      text,
		FallbackType: s.FallbackType,
	}

	var sendErr error
	switch s.FallbackType {
	case TypeTelegram:
		sendErr = c.tgAPI.SendMessage(ctx, s.PhoneNumber, text)
	default:
		var res sms.SendResult
		res, sendErr = c.smsAPI.SendSMS(ctx, s.PhoneNumber, text)
		if sendErr == nil && res.SmsID != "" {
			rec.SmsID = &res.SmsID
		}
	}
	if sendErr == nil {
		now := time.Now()
		rec.IsDelivered = true
		rec.DeliveredAt = &now
	} else {
		log.Printf("fallback notice send failed session=%s err=%v", s.ID, sendErr)
	}

	if err := c.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Printf("fallback message persist failed session=%s err=%v", s.ID, err)
	}
}

// ensureFallbackChat returns the session's chat, creating a dated
// fallback chat on first use and pinning it to the session.
func (c *Coordinator) ensureFallbackChat(ctx context.Context, s *Session) (*chat.Chat, error) {
	if s.ChatID != nil && *s.ChatID != "" {
		if existing, err := c.chats.GetChatByID(ctx, *s.ChatID, s.UserID); err == nil {
			return existing, nil
		}
	}

	title := fmt.Sprintf("SMS Fallback - %s", time.Now().Format("2006-01-02"))
	if s.FallbackType == TypeTelegram {
		title = fmt.Sprintf("Telegram Fallback - %s", time.Now().Format("2006-01-02"))
	}
	phone := s.PhoneNumber
	ch := &chat.Chat{
		UserID:              s.UserID,
		Title:               title,
		IsFallbackChat:      true,
		FallbackPhoneNumber: &phone,
	}
	if err := c.chats.CreateChat(ctx, ch); err != nil {
		return nil, err
	}

	if err := c.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", s.ID).
		Update("chat_id", ch.ID).Error; err != nil {
		return nil, err
	}
	s.ChatID = &ch.ID
	return ch, nil
}

// ProcessIncomingSMS handles one inbound gateway message: record it and
// mirror it into the user's fallback chat. The reply text is produced by
// the gateway's own agent integration, so none is generated here.
func (c *Coordinator) ProcessIncomingSMS(ctx context.Context, phoneNumber, text, smsID string) error {
	var u models.User
	err := c.db.WithContext(ctx).
		Where("fallback_phone = ?", phoneNumber).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnknownPhone
	}
	if err != nil {
		return err
	}

	session, err := c.ActiveSession(ctx, u.ID)
	if err != nil {
		return err
	}

	inbound := FallbackMessage{
		SessionID:    session.ID,
		UserID:       u.ID,
		PhoneNumber:  phoneNumber,
		MessageType:  "inbound",
		Content:      text,
		FallbackType: session.FallbackType,
		IsDelivered:  true,
	}
	if smsID != "" {
		inbound.SmsID = &smsID
	}
	if err := c.db.WithContext(ctx).Create(&inbound).Error; err != nil {
		return err
	}

	ch, err := c.ensureFallbackChat(ctx, session)
	if err != nil {
		return err
	}

	fbType := session.FallbackType
	userMsg := &chat.Message{
		ChatID:              ch.ID,
		UserID:              u.ID,
		Role:                "user",
		Content:             text,
		MessageType:         "text",
		FallbackType:        &fbType,
		FallbackPhoneNumber: &phoneNumber,
	}
	if err := c.chats.InsertMessage(ctx, userMsg); err != nil {
		return err
	}

	log.Printf("fallback inbound recorded user=%d session=%s chat=%s", u.ID, session.ID, ch.ID)
	return nil
}

// Settings is the user-facing fallback configuration view.
type Settings struct {
	AutoFallbackEnabled   bool    `json:"auto_fallback_enabled"`
	FallbackMode          string  `json:"fallback_mode"`
	FallbackActive        bool    `json:"fallback_active"`
	FallbackPhone         *string `json:"fallback_phone,omitempty"`
	FallbackPhoneVerified bool    `json:"fallback_phone_verified"`
	NetworkQuality        string  `json:"network_quality"`
}

func (c *Coordinator) GetSettings(ctx context.Context, userID uint64) (*Settings, error) {
	u, err := c.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Settings{
		AutoFallbackEnabled:   u.AutoFallbackEnabled,
		FallbackMode:          u.FallbackMode,
		FallbackActive:        u.FallbackActive,
		FallbackPhone:         u.FallbackPhone,
		FallbackPhoneVerified: u.FallbackPhoneVerified,
		NetworkQuality:        c.monitor.Quality(userID),
	}, nil
}

// SettingsUpdate carries partial updates; nil fields are untouched.
type SettingsUpdate struct {
	AutoFallbackEnabled *bool   `json:"auto_fallback_enabled"`
	FallbackMode        *string `json:"fallback_mode"`
	FallbackPhone       *string `json:"fallback_phone"`
}

// UpdateSettings applies the update. Changing the phone number resets
// its verified flag.
func (c *Coordinator) UpdateSettings(ctx context.Context, userID uint64, upd SettingsUpdate) (*Settings, error) {
	u, err := c.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if upd.AutoFallbackEnabled != nil {
		changes["auto_fallback_enabled"] = *upd.AutoFallbackEnabled
	}
	if upd.FallbackMode != nil {
		changes["fallback_mode"] = *upd.FallbackMode
	}
	if upd.FallbackPhone != nil {
		current := ""
		if u.FallbackPhone != nil {
			current = *u.FallbackPhone
		}
		if *upd.FallbackPhone != current {
			changes["fallback_phone"] = *upd.FallbackPhone
			changes["fallback_phone_verified"] = false
		}
	}

	if len(changes) > 0 {
		if err := c.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", userID).
			Updates(changes).Error; err != nil {
			return nil, err
		}
	}
	return c.GetSettings(ctx, userID)
}

// VerifyPhone confirms the user's fallback phone with the gateway for
// the chosen channel and marks it verified.
func (c *Coordinator) VerifyPhone(ctx context.Context, userID uint64, fallbackType string) error {
	u, err := c.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.FallbackPhone == nil || *u.FallbackPhone == "" {
		return ErrNoVerifiedPhone
	}

	switch fallbackType {
	case TypeTelegram:
		registered, err := c.tgAPI.VerifyRegistration(ctx, *u.FallbackPhone)
		if err != nil {
			return err
		}
		if !registered {
			return ErrChannelUnavailable
		}
	default:
		if err := c.smsAPI.RegisterPhone(ctx, *u.FallbackPhone, userID); err != nil {
			return err
		}
	}

	return c.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("fallback_phone_verified", true).Error
}

// Health is the fallback health view for one user.
type Health struct {
	NetworkQuality string `json:"network_quality"`
	Window         []bool `json:"window"`
	FallbackActive bool   `json:"fallback_active"`
	SMSGatewayUp   bool   `json:"sms_gateway_up"`
	TelegramUp     bool   `json:"telegram_up"`
}

func (c *Coordinator) HealthStatus(ctx context.Context, userID uint64) (*Health, error) {
	u, err := c.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	h := &Health{
		NetworkQuality: c.monitor.Quality(userID),
		Window:         c.monitor.Snapshot(userID),
		FallbackActive: u.FallbackActive,
	}
	h.SMSGatewayUp = c.smsAPI.HealthCheck(ctx) == nil
	h.TelegramUp = c.tgAPI.HealthCheck(ctx) == nil
	return h, nil
}

// SessionHistory lists the side-channel messages for a session, oldest
// first.
func (c *Coordinator) SessionHistory(ctx context.Context, userID uint64, sessionID string) ([]FallbackMessage, error) {
	var msgs []FallbackMessage
	err := c.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("created_at ASC").
		Find(&msgs).Error
	return msgs, err
}

// Start launches the monitor loop and relaunches listeners for
// sessions that were active before a restart. Call once at boot;
// StopAll on shutdown.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx = ctx
	c.sup.Start(ctx, taskMonitor, c.monitorLoop)

	var sessions []Session
	if err := c.db.WithContext(ctx).
		Where("is_active = ? AND fallback_type = ?", true, TypeSMS).
		Find(&sessions).Error; err != nil {
		log.Printf("fallback session scan failed err=%v", err)
		return
	}
	for i := range sessions {
		c.startListener(&sessions[i])
	}
}

func (c *Coordinator) Shutdown() {
	c.sup.StopAll()
}

// monitorLoop probes connectivity on a fixed interval, records the
// result for every auto-fallback user, and activates fallback when the
// failure threshold is reached.
func (c *Coordinator) monitorLoop(ctx context.Context) {
	if c.Probe == nil {
		return
	}
	ticker := time.NewTicker(c.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok := c.Probe(ctx) == nil

		var users []models.User
		if err := c.db.WithContext(ctx).
			Where("auto_fallback_enabled = ? AND is_active = ?", true, true).
			Find(&users).Error; err != nil {
			log.Printf("fallback monitor user scan failed err=%v", err)
			continue
		}

		for i := range users {
			u := &users[i]
			c.monitor.Record(u.ID, ok)
			if ok || u.FallbackActive || !c.monitor.ShouldActivate(u.ID) {
				continue
			}
			if _, _, err := c.Activate(ctx, u.ID, TypeSMS, TriggerAuto); err != nil {
				log.Printf("fallback auto activate failed user=%d err=%v", u.ID, err)
			}
		}
	}
}

// startListener runs a long-poll listener task for one SMS session.
// Duplicate starts for the same session are no-ops.
func (c *Coordinator) startListener(s *Session) {
	if s.FallbackType == TypeTelegram || !c.smsAPI.Enabled() {
		return
	}
	sessionID := s.ID
	phone := s.PhoneNumber
	if c.sup.Start(c.runCtx, listenerKey(sessionID), func(ctx context.Context) {
		c.smsListenerLoop(ctx, sessionID, phone)
	}) {
		log.Printf("fallback sms listener started session=%s", sessionID)
	}
}

// smsListenerLoop long-polls the gateway for one session and feeds its
// inbound messages through ProcessIncomingSMS. The loop re-checks the
// session row each pass and exits once it is no longer active. Poll
// errors back off before retrying.
func (c *Coordinator) smsListenerLoop(ctx context.Context, sessionID, phone string) {
	for {
		if ctx.Err() != nil {
			return
		}

		var count int64
		if err := c.db.WithContext(ctx).Model(&Session{}).
			Where("id = ? AND is_active = ?", sessionID, true).
			Count(&count).Error; err == nil && count == 0 {
			log.Printf("fallback sms listener done session=%s", sessionID)
			return
		}

		msgs, err := c.smsAPI.ReceiveMessages(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("fallback sms poll failed session=%s err=%v", sessionID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenerErrorBackoff):
			}
			continue
		}

		for _, m := range msgs {
			if m.PhoneNumber != phone {
				continue
			}
			if err := c.ProcessIncomingSMS(ctx, m.PhoneNumber, m.Message, m.ID); err != nil {
				log.Printf("fallback inbound sms failed phone=%s err=%v", m.PhoneNumber, err)
			}
		}

		// gateways that answer immediately instead of long-polling
		// would otherwise make this a tight loop
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenerIdleDelay):
			}
		}
	}
}
