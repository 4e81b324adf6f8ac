package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/themadorg/tempmail/internal/address"
	"github.com/themadorg/tempmail/internal/db"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/store"
)

func (s *Server) normalize(raw string) string {
	return address.Normalize(raw, s.cfg.Domain)
}

// password pulls the per-mailbox password from wherever the client put
// it: the query string or a JSON body field already bound by the caller.
func password(c *gin.Context, bodyPassword string) string {
	if bodyPassword != "" {
		return bodyPassword
	}
	return c.Query("password")
}

func (s *Server) handleServerStatus(c *gin.Context) {
	stats, err := s.store.Stats()
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain":       s.cfg.Domain,
		"smtp_port":    s.cfg.SMTPPort,
		"imap_enabled": s.cfg.IMAPEnabled,
		"emails":       stats.Emails,
		"mailboxes":    stats.Mailboxes,
		"webhooks":     stats.Webhooks,
	})
}

func (s *Server) handleMailboxStatus(c *gin.Context) {
	addr := s.normalize(c.Param("address"))
	locked, err := s.store.IsLocked(addr)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "is_locked": locked})
}

type passwordBody struct {
	Password string `json:"password"`
}

func (s *Server) handleClaim(c *gin.Context) {
	addr := s.normalize(c.Param("address"))
	var body passwordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "validation"})
		return
	}
	if err := s.store.ClaimMailbox(addr, body.Password); err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "is_locked": true})
}

func (s *Server) handleRelease(c *gin.Context) {
	addr := s.normalize(c.Param("address"))
	var body passwordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "validation"})
		return
	}
	if err := s.store.ReleaseMailbox(addr, body.Password); err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "is_locked": false})
}

func (s *Server) handleListEmails(c *gin.Context) {
	addr := s.normalize(c.Param("address"))
	if err := s.store.VerifyMailbox(addr, password(c, "")); err != nil {
		s.errorResponse(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	emails, err := s.store.ListByAddress(addr, limit, offset)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	if emails == nil {
		emails = []db.Email{}
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

func (s *Server) handleGetEmail(c *gin.Context) {
	email, err := s.store.GetEmail(c.Param("id"))
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	if err := s.store.VerifyMailbox(email.To, password(c, "")); err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, email)
}

func (s *Server) handleDeleteEmail(c *gin.Context) {
	id := c.Param("id")
	email, err := s.store.GetEmail(id)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	if err := s.store.VerifyMailbox(email.To, password(c, "")); err != nil {
		s.errorResponse(c, err)
		return
	}

	addr, err := s.store.DeleteEmail(id)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	s.bus.Publish(events.Event{
		Kind:    events.KindEmailDeleted,
		Address: addr,
		ID:      id,
	})
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if strings.TrimSpace(query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q must not be empty", "code": "validation"})
		return
	}

	opts := store.SearchOptions{}
	if mbox := c.Query("mailbox"); mbox != "" {
		addr := s.normalize(mbox)
		if err := s.store.VerifyMailbox(addr, password(c, "")); err != nil {
			s.errorResponse(c, err)
			return
		}
		opts.Address = addr
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		opts.Limit = limit
	}

	results, err := s.store.SearchFullText(query, opts)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type createWebhookBody struct {
	MailboxAddress string   `json:"mailbox_address"`
	WebhookURL     string   `json:"webhook_url"`
	Events         []string `json:"events"`
	Password       string   `json:"password"`
}

func (s *Server) handleCreateWebhook(c *gin.Context) {
	var body createWebhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "validation"})
		return
	}
	addr := s.normalize(body.MailboxAddress)
	if addr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mailbox_address must not be empty", "code": "validation"})
		return
	}
	if err := s.store.VerifyMailbox(addr, password(c, body.Password)); err != nil {
		s.errorResponse(c, err)
		return
	}

	hook, err := s.store.CreateWebhook(addr, body.WebhookURL, body.Events)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (s *Server) handleListWebhooks(c *gin.Context) {
	addr := s.normalize(c.Param("address"))
	if err := s.store.VerifyMailbox(addr, password(c, "")); err != nil {
		s.errorResponse(c, err)
		return
	}
	hooks, err := s.store.ListWebhooksByAddress(addr)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	if hooks == nil {
		hooks = []db.Webhook{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks})
}

// webhookByID loads the webhook and checks the mailbox password of the
// mailbox it belongs to.
func (s *Server) webhookByID(c *gin.Context, bodyPassword string) (*db.Webhook, bool) {
	hook, err := s.store.GetWebhook(c.Param("id"))
	if err != nil {
		s.errorResponse(c, err)
		return nil, false
	}
	if err := s.store.VerifyMailbox(hook.MailboxAddress, password(c, bodyPassword)); err != nil {
		s.errorResponse(c, err)
		return nil, false
	}
	return hook, true
}

func (s *Server) handleGetWebhook(c *gin.Context) {
	hook, ok := s.webhookByID(c, "")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, hook)
}

type updateWebhookBody struct {
	WebhookURL string   `json:"webhook_url"`
	Events     []string `json:"events"`
	Enabled    *bool    `json:"enabled"`
	Password   string   `json:"password"`
}

func (s *Server) handleUpdateWebhook(c *gin.Context) {
	var body updateWebhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "validation"})
		return
	}
	hook, ok := s.webhookByID(c, body.Password)
	if !ok {
		return
	}

	url := body.WebhookURL
	if url == "" {
		url = hook.WebhookURL
	}
	evs := body.Events
	if evs == nil {
		evs = hook.Events
	}
	enabled := hook.Enabled
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	updated, err := s.store.UpdateWebhook(hook.ID, url, evs, enabled)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	hook, ok := s.webhookByID(c, "")
	if !ok {
		return
	}
	if err := s.store.DeleteWebhook(hook.ID); err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": hook.ID, "deleted": true})
}

func (s *Server) handleTestWebhook(c *gin.Context) {
	hook, ok := s.webhookByID(c, "")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": s.dispatcher.Test(hook)})
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	resp := gin.H{"auth_enabled": s.cfg.AuthEnabled}
	if s.cfg.AuthEnabled {
		hasAny, err := s.store.HasAnyUser()
		if err != nil {
			s.errorResponse(c, err)
			return
		}
		resp["registration_open"] = !hasAny
		if s.cfg.AuthDomain != "" {
			resp["auth_domain"] = s.cfg.AuthDomain
		}
	}
	c.JSON(http.StatusOK, resp)
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(c *gin.Context) {
	if !s.cfg.AuthEnabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication is disabled", "code": "validation"})
		return
	}
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Email == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required", "code": "validation"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if s.cfg.AuthDomain != "" && !strings.HasSuffix(email, "@"+s.cfg.AuthDomain) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email must belong to @" + s.cfg.AuthDomain, "code": "validation"})
		return
	}

	user, err := s.store.CreateUser(email, body.Password)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "user already exists", "code": "already_locked"})
			return
		}
		s.errorResponse(c, err)
		return
	}
	token, err := s.tokens.Issue(user.Email)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.cfg.AuthEnabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication is disabled", "code": "validation"})
		return
	}
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "code": "validation"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))

	user, err := s.store.VerifyUser(email, body.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
		return
	}
	token, err := s.tokens.Issue(user.Email)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleMe(c *gin.Context) {
	if !s.cfg.AuthEnabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication is disabled", "code": "validation"})
		return
	}
	email := c.GetString(userEmailKey)
	if email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token", "code": "unauthorized"})
		return
	}
	user, err := s.store.GetUser(email)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
