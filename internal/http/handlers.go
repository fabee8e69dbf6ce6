package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/dispatch"
	"github.com/example/transport-broker/internal/lifecycle"
	"github.com/example/transport-broker/internal/models"
	"github.com/example/transport-broker/internal/orders"
	"github.com/example/transport-broker/internal/pricing"
	"github.com/example/transport-broker/internal/routing"
	"github.com/example/transport-broker/internal/storage"
)

// Server is the HTTP surface over the order service.
type Server struct {
	Service *orders.Service
	WSReg   *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *orders.Service, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Service: svc, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/quote", s.handleQuote).Methods("POST")
	api.HandleFunc("/quote", s.handleQuoteKM).Methods("GET")
	api.HandleFunc("/quote/discounted", s.handleQuoteDiscounted).Methods("POST")
	api.HandleFunc("/promo/validate", s.handleValidatePromo).Methods("POST")

	api.HandleFunc("/discounts", s.handleCreateDiscount).Methods("POST")
	api.HandleFunc("/discounts", s.handleListDiscounts).Methods("GET")
	api.HandleFunc("/discounts/{id:[0-9]+}", s.handleUpdateDiscount).Methods("PUT")
	api.HandleFunc("/discounts/{id:[0-9]+}", s.handleDeactivateDiscount).Methods("DELETE")
	api.HandleFunc("/discounts/{id:[0-9]+}/stats", s.handleDiscountStats).Methods("GET")

	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/available", s.handleAvailableOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/confirm", s.handleConfirm).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/status", s.handleUpdateStatus).Methods("PUT")
	api.HandleFunc("/orders/{id:[0-9]+}/assign", s.handleAssignDriver).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/action", s.handleDriverAction).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/images", s.handleAddImage).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/images/{image_id}", s.handleRemoveImage).Methods("DELETE")

	api.HandleFunc("/users/{user_id:[0-9]+}/orders", s.handleUserOrders).Methods("GET")
	api.HandleFunc("/drivers/{driver_id:[0-9]+}/orders", s.handleDriverOrders).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id:[0-9]+}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type quoteRequest struct {
	PickupAddress  string `json:"pickup_address"`
	DropoffAddress string `json:"dropoff_address"`
	ReturnLeg      bool   `json:"return_leg"`
	UserID         *int64 `json:"user_id,omitempty"`
	PromoCode      string `json:"promo_code,omitempty"`
}

func (q quoteRequest) toService() orders.QuoteRequest {
	return orders.QuoteRequest{
		PickupAddress:  q.PickupAddress,
		DropoffAddress: q.DropoffAddress,
		ReturnLeg:      q.ReturnLeg,
		UserID:         q.UserID,
		PromoCode:      q.PromoCode,
	}
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Service.Quote(r.Context(), req.toService())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuoteKM(w http.ResponseWriter, r *http.Request) {
	km, err := strconv.ParseFloat(r.URL.Query().Get("km"), 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "km query param is required")
		return
	}
	returnLeg := r.URL.Query().Get("return_leg") == "true"
	q, err := s.Service.QuoteKM(km, returnLeg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleQuoteDiscounted(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Service.QuoteWithDiscounts(r.Context(), req.toService())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleValidatePromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.Service.ValidatePromoCode(r.Context(), req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"code":  d.Code,
		"name":  d.Name,
	})
}

type createOrderRequest struct {
	UserID         int64  `json:"user_id"`
	PickupAddress  string `json:"pickup_address"`
	DropoffAddress string `json:"dropoff_address"`
	RegNumber      string `json:"reg_number"`
	WinterTires    bool   `json:"winter_tires"`
	AdditionalInfo string `json:"additional_info"`
	PickupDate     string `json:"pickup_date"`
	PromoCode      string `json:"promo_code"`
	WithReturn     bool   `json:"with_return"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Service.CreateOrder(r.Context(), orders.CreateOrderRequest{
		UserID:         req.UserID,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		RegNumber:      req.RegNumber,
		WinterTires:    req.WinterTires,
		AdditionalInfo: req.AdditionalInfo,
		PickupDate:     req.PickupDate,
		PromoCode:      req.PromoCode,
		WithReturn:     req.WithReturn,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	o, err := s.Service.GetOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := pathID(r, "user_id")
	list, err := s.Service.ListUserOrders(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderList(list))
}

func (s *Server) handleDriverOrders(w http.ResponseWriter, r *http.Request) {
	driverID := pathID(r, "driver_id")
	list, err := s.Service.ListDriverOrders(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderList(list))
}

func (s *Server) handleAvailableOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.Service.ListAvailableOrders(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderList(list))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	o, err := s.Service.Confirm(r.Context(), pathID(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, err := s.Service.Cancel(r.Context(), pathID(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Service.UpdateStatus(r.Context(), pathID(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID int64 `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Service.AssignDriver(r.Context(), pathID(r, "id"), req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDriverAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID int64            `json:"driver_id"`
		Action   lifecycle.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Service.DriverAction(r.Context(), pathID(r, "id"), req.DriverID, req.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAddImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID int64            `json:"driver_id"`
		Slot     models.ImageSlot `json:"slot"`
		Path     string           `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Service.AddImage(r.Context(), pathID(r, "id"), req.DriverID, req.Slot, req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	driverID, err := strconv.ParseInt(r.URL.Query().Get("driver_id"), 10, 64)
	if err != nil {
		http.Error(w, "driver_id query param is required", http.StatusBadRequest)
		return
	}
	slot := models.ImageSlot(r.URL.Query().Get("slot"))
	imageID := mux.Vars(r)["image_id"]
	o, err := s.Service.RemoveImage(r.Context(), pathID(r, "id"), driverID, slot, imageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := pathID(r, "driver_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(driverID, conn)
	go func() {
		defer s.WSReg.Remove(driverID, conn)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		inputErr      *orders.InputError
		validationErr *discount.ValidationError
		transitionErr *lifecycle.TransitionError
	)
	switch {
	case errors.As(err, &inputErr),
		errors.Is(err, pricing.ErrInvalidDistance):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "error": validationErr.Reason})
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.As(err, &transitionErr):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orders.ErrNotOwner):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, routing.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "address resolution unavailable, try again")
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// orderList keeps empty results as [] instead of null.
func orderList(in []models.Order) []models.Order {
	if in == nil {
		return []models.Order{}
	}
	return in
}

func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
