package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/provider"
)

const serverName = "tripgate booking providers"

type offerInput struct {
	OfferID string `json:"offer_id"`
}

type bookInput struct {
	OfferID      string         `json:"offer_id"`
	Details      map[string]any `json:"details"`
	PaymentToken string         `json:"payment_token"`
}

type cancelInput struct {
	Reference string `json:"booking_reference"`
}

// NewServer exposes every provider in set as MCP booking tools.
func NewServer(set provider.Set, version string) (*server.MCPServer, error) {
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))
	for _, d := range domain.BookingDomains {
		p, err := set.For(d)
		if err != nil {
			return nil, err
		}
		registerDomain(s, d, p)
	}
	return s, nil
}

// ServeStdio serves set over stdio until stdin closes.
func ServeStdio(set provider.Set, version string) error {
	s, err := NewServer(set, version)
	if err != nil {
		return err
	}
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func registerDomain(s *server.MCPServer, d domain.Domain, p provider.Provider) {
	tools := provider.Tools(d)

	s.AddTool(mcp.NewTool(tools.Search,
		mcp.WithDescription(fmt.Sprintf("Search %s offers", d)),
		mcp.WithString("origin", mcp.Description("Departure city or airport")),
		mcp.WithString("destination", mcp.Description("Destination city or airport")),
		mcp.WithString("date", mcp.Description("Travel date, YYYY-MM-DD")),
		mcp.WithString("check_in", mcp.Description("Hotel check-in date, YYYY-MM-DD")),
		mcp.WithString("check_out", mcp.Description("Hotel check-out date, YYYY-MM-DD")),
		mcp.WithNumber("travelers", mcp.Description("Number of travelers"), mcp.Min(1)),
		mcp.WithNumber("nights", mcp.Description("Number of nights"), mcp.Min(1)),
		mcp.WithString("cabin_class", mcp.Description("Requested cabin class")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var q provider.Query
		if err := req.BindArguments(&q); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid search arguments", err), nil
		}
		offers, err := p.Search(ctx, q)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("search failed", err), nil
		}
		return jsonResult(offers)
	})

	s.AddTool(mcp.NewTool(tools.Details,
		mcp.WithDescription(fmt.Sprintf("Get %s offer details", d)),
		mcp.WithString("offer_id", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in offerInput
		if err := req.BindArguments(&in); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid details arguments", err), nil
		}
		o, err := p.Details(ctx, in.OfferID)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("details failed", err), nil
		}
		return jsonResult(o)
	})

	s.AddTool(mcp.NewTool(tools.Book,
		mcp.WithDescription(fmt.Sprintf("Book a %s offer", d)),
		mcp.WithString("offer_id", mcp.Required()),
		mcp.WithObject("details", mcp.Description("Traveler details")),
		mcp.WithString("payment_token", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in bookInput
		if err := req.BindArguments(&in); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid book arguments", err), nil
		}
		c, err := p.Book(ctx, in.OfferID, in.Details, in.PaymentToken)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("booking failed", err), nil
		}
		return jsonResult(c)
	})

	s.AddTool(mcp.NewTool(tools.Cancel,
		mcp.WithDescription(fmt.Sprintf("Cancel a %s booking", d)),
		mcp.WithString("booking_reference", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in cancelInput
		if err := req.BindArguments(&in); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid cancel arguments", err), nil
		}
		c, err := p.Cancel(ctx, in.Reference)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("cancel failed", err), nil
		}
		return jsonResult(c)
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
