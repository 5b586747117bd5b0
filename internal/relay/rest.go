package relay

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	pinLength = 6
	pinTTL    = 5 * time.Minute
	tokenTTL  = 24 * time.Hour
	pinChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous characters
)

// CameraClaims is the JWT payload issued to cameras and viewers.
type CameraClaims struct {
	CameraID string `json:"camera_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type cameraRecord struct {
	ID   string
	Name string
}

type pinRecord struct {
	CameraID  string
	ExpiresAt time.Time
}

// API is the REST surface for camera registration and PIN pairing.
type API struct {
	jwtSecret string
	log       *slog.Logger

	mu      sync.Mutex
	cameras map[string]cameraRecord
	pins    map[string]pinRecord
}

// NewAPI creates the REST handler set.
func NewAPI(jwtSecret string, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		jwtSecret: jwtSecret,
		log:       log,
		cameras:   make(map[string]cameraRecord),
		pins:      make(map[string]pinRecord),
	}
}

// Router builds the gin engine with the REST routes and the hub's
// WebSocket endpoint mounted.
func (a *API) Router(hub *Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", a.health)
	r.GET("/ws", gin.WrapF(hub.HandleWebSocket))

	cams := r.Group("/cameras")
	cams.POST("/register", a.registerCamera)
	cams.POST("/claim", a.claimPIN)
	cams.POST("/:id/pin", JWTAuth(a.jwtSecret), a.issuePIN)
	return r
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerRequest struct {
	Name string `json:"name" binding:"required"`
}

func (a *API) registerCamera(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	id := uuid.NewString()
	a.mu.Lock()
	a.cameras[id] = cameraRecord{ID: id, Name: req.Name}
	a.mu.Unlock()

	token, err := a.signToken(id, "camera")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	a.log.Info("camera registered", "camera", id, "name", req.Name)
	c.JSON(http.StatusOK, gin.H{"id": id, "token": token})
}

func (a *API) issuePIN(c *gin.Context) {
	cameraID := c.Param("id")
	claimCamera := c.GetString("camera_id")
	if claimCamera != cameraID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not match camera"})
		return
	}

	a.mu.Lock()
	_, known := a.cameras[cameraID]
	var pin string
	if known {
		pin = generatePIN()
		a.pins[pin] = pinRecord{CameraID: cameraID, ExpiresAt: time.Now().Add(pinTTL)}
	}
	a.mu.Unlock()
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown camera"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pin": pin, "expiresAt": time.Now().Add(pinTTL)})
}

type claimRequest struct {
	PIN string `json:"pin" binding:"required"`
}

func (a *API) claimPIN(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	a.mu.Lock()
	rec, ok := a.pins[strings.ToUpper(req.PIN)]
	if ok {
		delete(a.pins, strings.ToUpper(req.PIN))
	}
	a.mu.Unlock()

	if !ok || time.Now().After(rec.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired pin"})
		return
	}

	token, err := a.signToken(rec.CameraID, "viewer")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameraId": rec.CameraID, "token": token})
}

func (a *API) signToken(cameraID, role string) (string, error) {
	claims := CameraClaims{
		CameraID: cameraID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.jwtSecret))
}

// JWTAuth validates a bearer token and stores its camera id in the
// request context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &CameraClaims{}, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(jwtSecret), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(*CameraClaims)
		if !ok || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}
		c.Set("camera_id", claims.CameraID)
		c.Next()
	}
}

func generatePIN() string {
	b := make([]byte, pinLength)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(pinChars))))
		b[i] = pinChars[n.Int64()]
	}
	return string(b)
}
