// Package grocerytest is an in-memory fake of the Grocery Inventory API.
//
// It mirrors the real service's routes and response shapes closely enough
// to drive the load scenarios end to end in tests and local smoke runs.
package grocerytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const (
	// DefaultSecret is the HMAC key tokens are signed with.
	DefaultSecret = "testing-key"

	// DefaultTokenTTL is how long an access token stays valid.
	DefaultTokenTTL = 30 * time.Minute

	defaultPageSize = 100
	maxPageSize     = 1000

	dateLayout = "2006-01-02"
)

// Options configures the fake API.
type Options struct {
	// Secret signs access tokens. Defaults to DefaultSecret.
	Secret string

	// TokenTTL is the token lifetime. Defaults to DefaultTokenTTL.
	TokenTTL time.Duration

	// Latency is added to every response.
	Latency time.Duration

	// FailureRatio is the fraction of requests answered with a 500.
	FailureRatio float64

	// RequireAuth makes the product, sale, user and admin routes demand a
	// valid bearer token. /users/me always does.
	RequireAuth bool

	Logger *zap.Logger
}

// User is a registered account.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`

	password string
}

// Product is an inventory item.
type Product struct {
	ID               int     `json:"id"`
	UPC              string  `json:"upc"`
	Name             string  `json:"name"`
	Quantity         int     `json:"quantity"`
	Price            float64 `json:"price"`
	ReportCode       *int    `json:"report_code"`
	ReorderThreshold int     `json:"reorder_threshold"`
}

// Sale is a time-boxed price for a product.
type Sale struct {
	ID        int     `json:"id"`
	ProductID int     `json:"product_id"`
	SalePrice float64 `json:"sale_price"`
	SaleStart string  `json:"sale_start"`
	SaleEnd   string  `json:"sale_end"`
}

// Server is the fake API. The zero value is not usable; use New.
type Server struct {
	opts   Options
	logger *zap.Logger
	mux    *http.ServeMux

	mu         sync.RWMutex
	users      map[int]*User
	byName     map[string]*User
	products   []*Product
	upcs       map[string]bool
	sales      []*Sale
	lastUserID int

	requests      atomic.Int64
	failures      atomic.Int64
	notifications atomic.Int64
}

// New creates a fake API with empty storage.
func New(opts Options) *Server {
	if opts.Secret == "" {
		opts.Secret = DefaultSecret
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		opts:   opts,
		logger: logger,
		users:  make(map[int]*User),
		byName: make(map[string]*User),
		upcs:   make(map[string]bool),
	}
	s.routes()
	return s
}

// NewTestServer starts the fake API on a local port for the duration of tb.
func NewTestServer(tb testing.TB, opts Options) (*httptest.Server, *Server) {
	tb.Helper()
	s := New(opts)
	ts := httptest.NewServer(s)
	tb.Cleanup(ts.Close)
	return ts, s
}

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World"})
	})

	mux.HandleFunc("POST /users/register", s.handleRegister)
	mux.HandleFunc("POST /users/login", s.handleLogin)
	mux.HandleFunc("GET /users/me", s.authenticated(s.handleMe))
	mux.HandleFunc("GET /users/{$}", s.guarded(s.handleListUsers))
	mux.HandleFunc("DELETE /users/{user_id}", s.guarded(s.handleDeleteUser))

	mux.HandleFunc("GET /products/{$}", s.guarded(s.handleListProducts))
	mux.HandleFunc("POST /products/{$}", s.guarded(s.handleCreateProduct))

	mux.HandleFunc("GET /sales/{$}", s.guarded(s.handleListSales))
	mux.HandleFunc("POST /sales/{$}", s.guarded(s.handleCreateSale))

	mux.HandleFunc("POST /admin/notify-sales", s.guarded(s.handleNotifySales))

	s.mux = mux
}

// ServeHTTP applies the injected latency and failures, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.requests.Add(1)

	if s.opts.Latency > 0 {
		select {
		case <-time.After(s.opts.Latency):
		case <-r.Context().Done():
			return
		}
	}

	if s.opts.FailureRatio > 0 && rand.Float64() < s.opts.FailureRatio {
		s.failures.Add(1)
		writeJSON(w, http.StatusInternalServerError, detail("Internal Server Error"))
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	s.logger.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)))
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("fake grocery API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Requests returns the number of requests received.
func (s *Server) Requests() int64 { return s.requests.Load() }

// InjectedFailures returns the number of requests answered with an injected 500.
func (s *Server) InjectedFailures() int64 { return s.failures.Load() }

// Notifications returns how many sale notifications have been sent.
func (s *Server) Notifications() int64 { return s.notifications.Load() }

// Users returns a copy of the registered users.
func (s *Server) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for id := 1; id <= s.lastUserID; id++ {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out
}

// ProductCount returns the number of stored products.
func (s *Server) ProductCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products)
}

// SaleCount returns the number of stored sales.
func (s *Server) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sales)
}

// IssueToken signs an access token for a user.
func (s *Server) IssueToken(u User) (string, error) {
	claims := jwt.MapClaims{
		"sub":     u.Username,
		"user_id": u.ID,
		"exp":     time.Now().Add(s.opts.TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.Secret))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail("invalid JSON body"))
		return
	}
	if missing := missingFields(map[string]string{
		"username": req.Username, "password": req.Password, "email": req.Email, "role": req.Role,
	}); missing != "" {
		writeJSON(w, http.StatusUnprocessableEntity, detail("field required: "+missing))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[req.Username]; exists {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Username already registered"})
		return
	}

	s.lastUserID++
	u := &User{
		ID:       s.lastUserID,
		Username: req.Username,
		Email:    req.Email,
		Role:     req.Role,
		password: req.Password,
	}
	s.users[u.ID] = u
	s.byName[u.Username] = u

	writeJSON(w, http.StatusOK, map[string]string{"message": "User created!"})
}

// handleLogin accepts an OAuth2 password form or a JSON body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var username, password string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, detail("invalid form body"))
			return
		}
		username, password = r.PostForm.Get("username"), r.PostForm.Get("password")
	} else {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, detail("invalid JSON body"))
			return
		}
		username, password = req.Username, req.Password
	}

	if missing := missingFields(map[string]string{"username": username, "password": password}); missing != "" {
		writeJSON(w, http.StatusUnprocessableEntity, detail("field required: "+missing))
		return
	}

	s.mu.RLock()
	u, ok := s.byName[username]
	var user User
	if ok {
		user = *u
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Username not found!"})
	case user.password != password:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Incorrect password!"})
	default:
		token, err := s.IssueToken(user)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, u User) {
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]User{"users": s.Users()})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("user_id"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail("user_id must be an integer"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, detail("User not found!"))
		return
	}
	delete(s.users, id)
	delete(s.byName, u.Username)

	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted!"})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageWindow(r)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail(err.Error()))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]Product, 0)
	for i := offset; i < len(s.products) && (limit < 0 || i < offset+limit); i++ {
		products = append(products, *s.products[i])
	}
	writeJSON(w, http.StatusOK, map[string][]Product{"products": products})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UPC              json.Number `json:"upc"`
		Name             string      `json:"name"`
		Quantity         *int        `json:"quantity"`
		Price            *float64    `json:"price"`
		ReportCode       *int        `json:"report_code"`
		ReorderThreshold *int        `json:"reorder_threshold"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail("invalid JSON body"))
		return
	}
	switch {
	case req.UPC == "":
		writeJSON(w, http.StatusUnprocessableEntity, detail("field required: upc"))
		return
	case req.Name == "":
		writeJSON(w, http.StatusUnprocessableEntity, detail("field required: name"))
		return
	case req.Quantity == nil || req.Price == nil || req.ReorderThreshold == nil:
		writeJSON(w, http.StatusUnprocessableEntity, detail("field required: quantity, price and reorder_threshold"))
		return
	}
	if _, err := req.UPC.Int64(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail("upc must be an integer"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	upc := req.UPC.String()
	if s.upcs[upc] {
		// The real service surfaces the unique constraint as a server error.
		writeJSON(w, http.StatusInternalServerError, detail("Internal Server Error"))
		return
	}
	s.upcs[upc] = true
	s.products = append(s.products, &Product{
		ID:               len(s.products) + 1,
		UPC:              upc,
		Name:             req.Name,
		Quantity:         *req.Quantity,
		Price:            *req.Price,
		ReportCode:       req.ReportCode,
		ReorderThreshold: *req.ReorderThreshold,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Product created!"})
}

func (s *Server) handleListSales(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		sales = append(sales, *sale)
	}
	writeJSON(w, http.StatusOK, map[string][]Sale{"sales": sales})
}

func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID *int     `json:"product_id"`
		SalePrice *float64 `json:"sale_price"`
		SaleStart string   `json:"sale_start"`
		SaleEnd   string   `json:"sale_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail("invalid JSON body"))
		return
	}
	if req.ProductID == nil || req.SalePrice == nil {
		writeJSON(w, http.StatusUnprocessableEntity, detail("field required: product_id and sale_price"))
		return
	}
	for field, v := range map[string]string{"sale_start": req.SaleStart, "sale_end": req.SaleEnd} {
		if _, err := time.Parse(dateLayout, v); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, detail(field+" must be a date (YYYY-MM-DD)"))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sales = append(s.sales, &Sale{
		ID:        len(s.sales) + 1,
		ProductID: *req.ProductID,
		SalePrice: *req.SalePrice,
		SaleStart: req.SaleStart,
		SaleEnd:   req.SaleEnd,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Sale created!"})
}

// handleNotifySales sends one notification when any sale ends within the
// next 30 days and at least one manager has an email address.
func (s *Server) handleNotifySales(w http.ResponseWriter, r *http.Request) {
	today := time.Now().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, 30)

	s.mu.RLock()
	expiring := 0
	for _, sale := range s.sales {
		end, err := time.Parse(dateLayout, sale.SaleEnd)
		if err != nil {
			continue
		}
		if !end.Before(today) && !end.After(cutoff) {
			expiring++
		}
	}
	managers := 0
	for _, u := range s.users {
		if u.Role == "manager" && u.Email != "" {
			managers++
		}
	}
	s.mu.RUnlock()

	sent := 0
	if expiring > 0 && managers > 0 {
		sent = 1
		s.notifications.Add(1)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":            fmt.Sprintf("Checked sales. %d notifications sent.", sent),
		"notifications_sent": sent,
	})
}

// authenticated resolves the bearer token to a user.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.userFromRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, detail(err.Error()))
			return
		}
		next(w, r, u)
	}
}

// guarded requires authentication only when RequireAuth is set.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	if !s.opts.RequireAuth {
		return next
	}
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, _ User) {
		next(w, r)
	})
}

func (s *Server) userFromRequest(r *http.Request) (User, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return User{}, errors.New("Not authenticated")
	}

	token, err := jwt.Parse(strings.TrimSpace(raw), func(*jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return User{}, errors.New("Could not validate credentials")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return User{}, errors.New("Could not validate credentials")
	}
	sub, _ := claims["sub"].(string)

	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byName[sub]
	if !ok {
		return User{}, errors.New("Could not validate credentials")
	}
	return *u, nil
}

// pageWindow returns the offset and limit for ?page=&size=; limit is -1
// when neither is given.
func pageWindow(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	if !q.Has("page") && !q.Has("size") {
		return 0, -1, nil
	}

	page, size := 1, defaultPageSize
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if v := q.Get("size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 1 || size > maxPageSize {
			return 0, 0, fmt.Errorf("size must be between 1 and %d", maxPageSize)
		}
	}
	return (page - 1) * size, size, nil
}

func missingFields(fields map[string]string) string {
	var missing []string
	for _, name := range []string{"username", "password", "email", "role"} {
		if v, ok := fields[name]; ok && v == "" {
			missing = append(missing, name)
		}
	}
	return strings.Join(missing, ", ")
}

func detail(msg string) map[string]string {
	return map[string]string{"detail": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
