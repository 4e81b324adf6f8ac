// Package mcp exposes a subset of the store and webhook operations as
// callable tools for LLM agents. It adds no semantics of its own: every
// tool goes through the same normalization and password checks as the
// HTTP surface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/address"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/store"
	"github.com/themadorg/tempmail/internal/webhook"
)

// Endpoint is the MCP listener (streamable HTTP transport).
type Endpoint struct {
	addr       string
	domain     string
	store      *store.Store
	bus        *events.Bus
	dispatcher *webhook.Dispatcher
	log        logrus.FieldLogger

	srv  *server.MCPServer
	http *server.StreamableHTTPServer
}

func New(addr, domain, version string, st *store.Store, bus *events.Bus, dispatcher *webhook.Dispatcher, log logrus.FieldLogger) *Endpoint {
	e := &Endpoint{
		addr:       addr,
		domain:     domain,
		store:      st,
		bus:        bus,
		dispatcher: dispatcher,
		log:        log.WithField("component", "mcp"),
	}

	e.srv = server.NewMCPServer("tempmail", version, server.WithToolCapabilities(false))
	e.registerTools()
	e.http = server.NewStreamableHTTPServer(e.srv)
	return e
}

// Start serves until Close. Blocking errors are logged, not returned;
// the MCP surface is optional and must not take the process down.
func (e *Endpoint) Start() {
	go func() {
		e.log.WithField("addr", e.addr).Info("listener started")
		if err := e.http.Start(e.addr); err != nil {
			e.log.WithError(err).Error("listener failed")
		}
	}()
}

func (e *Endpoint) Close() {
	_ = e.http.Shutdown(context.Background())
}

func (e *Endpoint) registerTools() {
	e.srv.AddTool(mcp.NewTool("list_emails",
		mcp.WithDescription("List the emails in a mailbox, newest first."),
		mcp.WithString("address", mcp.Required(), mcp.Description("Mailbox address; a bare local-part gets the server domain appended.")),
		mcp.WithString("password", mcp.Description("Mailbox password, required when the mailbox is claimed.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of emails to return.")),
	), e.toolListEmails)

	e.srv.AddTool(mcp.NewTool("get_email",
		mcp.WithDescription("Fetch one email by id."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("password"),
	), e.toolGetEmail)

	e.srv.AddTool(mcp.NewTool("delete_email",
		mcp.WithDescription("Delete one email by id."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("password"),
	), e.toolDeleteEmail)

	e.srv.AddTool(mcp.NewTool("search_emails",
		mcp.WithDescription("Full-text search across stored emails. Supports AND/OR/NOT, quoted phrases, word* prefixes and to:/from:/subject:/body: field filters."),
		mcp.WithString("query", mcp.Required()),
		mcp.WithString("mailbox", mcp.Description("Restrict hits to one mailbox.")),
		mcp.WithString("password"),
		mcp.WithNumber("limit"),
	), e.toolSearchEmails)

	e.srv.AddTool(mcp.NewTool("mailbox_status",
		mcp.WithDescription("Report whether a mailbox is password protected."),
		mcp.WithString("address", mcp.Required()),
	), e.toolMailboxStatus)

	e.srv.AddTool(mcp.NewTool("claim_mailbox",
		mcp.WithDescription("Bind a password to a mailbox. First claim wins and is permanent."),
		mcp.WithString("address", mcp.Required()),
		mcp.WithString("password", mcp.Required()),
	), e.toolClaimMailbox)

	e.srv.AddTool(mcp.NewTool("list_webhooks",
		mcp.WithDescription("List the webhooks subscribed to a mailbox."),
		mcp.WithString("address", mcp.Required()),
		mcp.WithString("password"),
	), e.toolListWebhooks)

	e.srv.AddTool(mcp.NewTool("create_webhook",
		mcp.WithDescription("Subscribe a URL to mailbox events (arrival, deletion)."),
		mcp.WithString("address", mcp.Required()),
		mcp.WithString("url", mcp.Required(), mcp.Description("Absolute http(s) URL to POST deliveries to.")),
		mcp.WithString("events", mcp.Description("Comma-separated event kinds, default \"arrival\".")),
		mcp.WithString("password"),
	), e.toolCreateWebhook)

	e.srv.AddTool(mcp.NewTool("delete_webhook",
		mcp.WithDescription("Delete a webhook by id."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("password"),
	), e.toolDeleteWebhook)

	e.srv.AddTool(mcp.NewTool("test_webhook",
		mcp.WithDescription("Send a synthetic test delivery to a webhook and report success."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("password"),
	), e.toolTestWebhook)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (e *Endpoint) verifiedAddress(req mcp.CallToolRequest) (string, error) {
	raw, err := req.RequireString("address")
	if err != nil {
		return "", err
	}
	addr := address.Normalize(raw, e.domain)
	if addr == "" {
		return "", fmt.Errorf("address must not be empty")
	}
	if err := e.store.VerifyMailbox(addr, req.GetString("password", "")); err != nil {
		return "", err
	}
	return addr, nil
}

func (e *Endpoint) toolListEmails(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := e.verifiedAddress(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	emails, err := e.store.ListByAddress(addr, req.GetInt("limit", 0), 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"address": addr, "emails": emails})
}

func (e *Endpoint) toolGetEmail(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	email, err := e.store.GetEmail(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := e.store.VerifyMailbox(email.To, req.GetString("password", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(email)
}

func (e *Endpoint) toolDeleteEmail(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	email, err := e.store.GetEmail(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := e.store.VerifyMailbox(email.To, req.GetString("password", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr, err := e.store.DeleteEmail(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e.bus.Publish(events.Event{Kind: events.KindEmailDeleted, Address: addr, ID: id})
	return jsonResult(map[string]interface{}{"id": id, "deleted": true})
}

func (e *Endpoint) toolSearchEmails(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := store.SearchOptions{Limit: req.GetInt("limit", 0)}
	if mbox := req.GetString("mailbox", ""); mbox != "" {
		addr := address.Normalize(mbox, e.domain)
		if err := e.store.VerifyMailbox(addr, req.GetString("password", "")); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		opts.Address = addr
	}
	results, err := e.store.SearchFullText(query, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"results": results})
}

func (e *Endpoint) toolMailboxStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr := address.Normalize(raw, e.domain)
	locked, err := e.store.IsLocked(addr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"address": addr, "is_locked": locked})
}

func (e *Endpoint) toolClaimMailbox(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pw, err := req.RequireString("password")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr := address.Normalize(raw, e.domain)
	if err := e.store.ClaimMailbox(addr, pw); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"address": addr, "is_locked": true})
}

func (e *Endpoint) toolListWebhooks(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := e.verifiedAddress(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hooks, err := e.store.ListWebhooksByAddress(addr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"address": addr, "webhooks": hooks})
}

func (e *Endpoint) toolCreateWebhook(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := e.verifiedAddress(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	events := splitEvents(req.GetString("events", "arrival"))
	hook, err := e.store.CreateWebhook(addr, url, events)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(hook)
}

func (e *Endpoint) webhookByID(req mcp.CallToolRequest) (string, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return "", err
	}
	hook, err := e.store.GetWebhook(id)
	if err != nil {
		return "", err
	}
	if err := e.store.VerifyMailbox(hook.MailboxAddress, req.GetString("password", "")); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Endpoint) toolDeleteWebhook(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := e.webhookByID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := e.store.DeleteWebhook(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"id": id, "deleted": true})
}

func (e *Endpoint) toolTestWebhook(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := e.webhookByID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hook, err := e.store.GetWebhook(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"success": e.dispatcher.Test(hook)})
}

func splitEvents(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
