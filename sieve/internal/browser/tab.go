package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// OpenTab opens a stealth tab and navigates it to pageURL.
func (m *Manager) OpenTab(ctx context.Context, pageURL string) (*rod.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if len(m.cfg.Block) > 0 {
		blockResources(page, m.cfg.Block)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load", "url", pageURL, "error", err)
	}
	return page, nil
}

// blockResources fails requests for the listed resource types.
func blockResources(page *rod.Page, kinds []string) {
	block := make(map[proto.NetworkResourceType]bool)
	for _, k := range kinds {
		switch strings.ToLower(k) {
		case "images", "image":
			block[proto.NetworkResourceTypeImage] = true
		case "fonts", "font":
			block[proto.NetworkResourceTypeFont] = true
		case "media":
			block[proto.NetworkResourceTypeMedia] = true
		case "stylesheets", "stylesheet":
			block[proto.NetworkResourceTypeStylesheet] = true
		}
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if block[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}
