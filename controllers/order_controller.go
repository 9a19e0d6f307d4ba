package controllers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"order-payment/config"
	"order-payment/database"
	"order-payment/gateway"
	"order-payment/middlewares"
	"order-payment/navigation"
	"order-payment/repository"
	"order-payment/resolver"
	"order-payment/session"
	"order-payment/statemachine"
	"order-payment/view"
)

// flashCookie carries notices across the redirect that drops the payment
// return parameters.
const flashCookie = "order_flash"

// Backend is the storefront API the order view talks to.
type Backend interface {
	view.Orders
	gateway.CredentialSource
	gateway.SessionSigner
}

type OrderController struct {
	cfg        *config.Config
	backend    Backend
	ledger     database.Ledger
	events     view.Events
	conversion gateway.Conversion
	params     resolver.Params
}

func NewOrderController(cfg *config.Config, backend Backend, ledger database.Ledger, events view.Events) (*OrderController, error) {
	rate, err := cfg.ExchangeRate()
	if err != nil {
		return nil, err
	}
	return &OrderController{
		cfg:        cfg,
		backend:    backend,
		ledger:     ledger,
		events:     events,
		conversion: gateway.Conversion{Currency: cfg.EmbeddedCurrency, Rate: rate, Places: 2},
		params: resolver.Params{
			ResponseCode: cfg.RedirectResponseCodeParam,
			Transaction:  cfg.RedirectTransactionParam,
			SuccessCode:  cfg.RedirectSuccessCode,
			Prefix:       cfg.RedirectParamPrefix,
		},
	}, nil
}

func (ctl *OrderController) RegisterRoutes(r gin.IRouter) {
	r.GET("/order/:id", ctl.ShowOrder)
	r.GET("/order/:id/payment-return", ctl.ShowOrder)
	r.POST("/order/:id/pay/embedded", ctl.CaptureEmbedded)
	r.POST("/order/:id/pay/redirect", ctl.StartRedirect)
}

// ReturnURL is where the redirect gateway sends the browser back to.
func (ctl *OrderController) ReturnURL(orderID string) string {
	return ctl.cfg.PublicBaseURL + "/order/" + url.PathEscape(orderID) + "/payment-return"
}

func (ctl *OrderController) newView(c *gin.Context) (*view.OrderView, *navigation.Recorder) {
	orderID := c.Param("id")
	sess, err := session.FromContext(c.Request.Context())
	if err != nil {
		log.Printf("No session for order %s: %v", orderID, err)
	}

	// Both the view and the payment-return route render under the canonical
	// order path.
	nav := navigation.NewRecorder(&url.URL{
		Path:     "/order/" + orderID,
		RawQuery: c.Request.URL.RawQuery,
	})

	v := view.New(orderID, sess, view.Options{
		Orders:             ctl.backend,
		Embedded:           gateway.NewEmbedded(ctl.backend, ctl.conversion),
		Redirect:           gateway.NewRedirect(ctl.backend, nav, ctl.cfg.HomeCurrency, ctl.ReturnURL),
		Nav:                nav,
		Params:             ctl.params,
		Ledger:             ctl.ledger,
		Events:             ctl.events,
		RedirectCheckDelay: ctl.cfg.RedirectCheckDelay,
	})
	return v, nav
}

// ShowOrder renders the order view, reconciling a redirect payment return
// when the URL carries one.
func (ctl *OrderController) ShowOrder(c *gin.Context) {
	v, nav := ctl.newView(c)
	defer v.Deactivate()

	if err := v.Activate(c.Request.Context()); err != nil {
		ctl.fail(c, nav, err)
		return
	}

	snap := v.Render()
	if nav.Replaced() {
		// Reloading the cleaned page must not reconcile again.
		ctl.setFlash(c, snap.Notices)
		c.Redirect(http.StatusSeeOther, snap.URL)
		return
	}
	snap.Notices = append(ctl.takeFlash(c), snap.Notices...)
	c.JSON(http.StatusOK, snap)
}

func (ctl *OrderController) setFlash(c *gin.Context, notices []statemachine.Notice) {
	if len(notices) == 0 {
		return
	}
	raw, err := json.Marshal(notices)
	if err != nil {
		log.Printf("Failed to encode notices for order %s: %v", c.Param("id"), err)
		return
	}
	c.SetCookie(flashCookie, base64.RawURLEncoding.EncodeToString(raw), 60, "/order/", "", ctl.secureCookies(), true)
}

func (ctl *OrderController) takeFlash(c *gin.Context) []statemachine.Notice {
	value, err := c.Cookie(flashCookie)
	if err != nil || value == "" {
		return nil
	}
	c.SetCookie(flashCookie, "", -1, "/order/", "", ctl.secureCookies(), true)

	var notices []statemachine.Notice
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err == nil {
		err = json.Unmarshal(raw, &notices)
	}
	if err != nil {
		log.Printf("Ignoring malformed notices for order %s: %v", c.Param("id"), err)
		return nil
	}
	return notices
}

func (ctl *OrderController) secureCookies() bool {
	return strings.HasPrefix(ctl.cfg.PublicBaseURL, "https://")
}

type captureRequest struct {
	ID         string    `json:"id" binding:"required"`
	Status     string    `json:"status" binding:"required"`
	UpdateTime time.Time `json:"update_time"`
	Payer      struct {
		PayerID string `json:"payer_id"`
	} `json:"payer"`
}

// CaptureEmbedded receives the embedded provider's capture details.
func (ctl *OrderController) CaptureEmbedded(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, nav := ctl.newView(c)
	defer v.Deactivate()

	if err := v.Load(c.Request.Context()); err != nil {
		ctl.fail(c, nav, err)
		return
	}

	err := v.PayEmbedded(c.Request.Context(), gateway.ProviderResult{
		ID:         req.ID,
		Status:     req.Status,
		UpdateTime: req.UpdateTime,
		PayerID:    req.Payer.PayerID,
	})
	if err != nil {
		if errors.Is(err, view.ErrNotPayable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "view": v.Render()})
			return
		}
		ctl.fail(c, nav, err)
		return
	}
	c.JSON(http.StatusOK, v.Render())
}

// StartRedirect sends the browser to the redirect gateway's payment page.
func (ctl *OrderController) StartRedirect(c *gin.Context) {
	v, nav := ctl.newView(c)
	defer v.Deactivate()

	if err := v.Activate(c.Request.Context()); err != nil {
		ctl.fail(c, nav, err)
		return
	}

	if _, err := v.StartRedirect(c.Request.Context()); err != nil {
		switch {
		case errors.Is(err, view.ErrNotPayable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "view": v.Render()})
		case errors.Is(err, repository.ErrUnauthorized):
			ctl.fail(c, nav, err)
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": repository.UserMessage(err), "view": v.Render()})
		}
		return
	}
	c.Redirect(http.StatusSeeOther, nav.Assigned())
}

func (ctl *OrderController) fail(c *gin.Context, nav *navigation.Recorder, err error) {
	switch {
	case errors.Is(err, repository.ErrUnauthorized), errors.Is(err, session.ErrNoSession):
		if c.Request.Method == http.MethodGet {
			c.Redirect(http.StatusFound, middlewares.LoginURL(ctl.cfg.LoginPath, nav.Current().RequestURI()))
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	case errors.Is(err, context.Canceled):
		log.Printf("Order view %s abandoned: %v", c.Param("id"), err)
		c.Abort()
	default:
		log.Printf("Order view %s failed: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
	}
}
