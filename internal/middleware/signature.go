package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/matchauth/internal/metrics"
	"github.com/hitoshi/matchauth/internal/model"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"

	internalSignatureHeader = "X-Internal-Signature"
	internalTimestampHeader = "X-Internal-Timestamp"
	internalServiceHeader   = "X-Internal-Service"

	// maxSignedBodyBytes は署名検証のために読み込むボディの上限。
	maxSignedBodyBytes = 1 << 20
)

// emptyBodyHash は空ボディのSHA-256（16進）。
const emptyBodyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// BodyHash はリクエストボディのSHA-256を16進で返す。
func BodyHash(body []byte) string {
	if len(body) == 0 {
		return emptyBodyHash
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign はHMAC-SHA256(secret, METHOD+PATH+timestamp+bodyHash)を16進で返す。
// timestampはUNIXエポックからのミリ秒を10進で表した文字列。
func Sign(secret []byte, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + path + timestamp + BodyHash(body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureConfig はリクエスト署名検証ミドルウェアの設定。
type SignatureConfig struct {
	Secret  []byte
	MaxSkew time.Duration

	// Routes が空でない場合、パスが完全一致する状態変更リクエストのみ検証する。
	Routes []string

	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// signer は公開用と内部サービス用で共通の検証処理。
type signer struct {
	config          SignatureConfig
	guard           string
	signatureHeader string
	timestampHeader string
	serviceHeader   string
	now             func() time.Time
}

func newSigner(config SignatureConfig, guard, sigHeader, tsHeader, serviceHeader string) *signer {
	if config.MaxSkew <= 0 {
		config.MaxSkew = 5 * time.Minute
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &signer{
		config:          config,
		guard:           guard,
		signatureHeader: sigHeader,
		timestampHeader: tsHeader,
		serviceHeader:   serviceHeader,
		now:             time.Now,
	}
}

// NewSignatureMiddleware はX-Signature/X-TimestampによるHMAC署名を検証するミドルウェアを返す。
// タイムスタンプがMaxSkewの範囲外の場合は署名が正しくても拒否する。
func NewSignatureMiddleware(config SignatureConfig) func(next http.Handler) http.Handler {
	return newSigner(config, "signature", signatureHeader, timestampHeader, "").middleware
}

// NewInternalSignatureMiddleware はサービス間呼び出し用の署名検証ミドルウェアを返す。
// 呼び出し元が名乗るサービス名は監査ログにのみ使い、信頼の根拠にはしない。
func NewInternalSignatureMiddleware(config SignatureConfig) func(next http.Handler) http.Handler {
	return newSigner(config, "internal_signature", internalSignatureHeader, internalTimestampHeader, internalServiceHeader).middleware
}

func (s *signer) applies(r *http.Request) bool {
	if len(s.config.Routes) == 0 {
		return true
	}
	if isSafeMethod(r.Method) {
		return false
	}
	for _, route := range s.config.Routes {
		if r.URL.Path == route {
			return true
		}
	}
	return false
}

func (s *signer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.applies(r) {
			next.ServeHTTP(w, r)
			return
		}

		reject := func(code, message string) {
			s.config.Logger.WarnContext(r.Context(), "request signature rejected",
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("guard", s.guard),
				slog.String("code", code),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.config.Metrics.RecordEdgeRejection(s.guard, code)
			WriteErrorResponse(w, r, model.NewSignatureError(code, message))
		}

		sig := r.Header.Get(s.signatureHeader)
		ts := r.Header.Get(s.timestampHeader)
		if sig == "" || ts == "" {
			reject(model.ErrCodeSignatureMissing, "Missing request signature")
			return
		}

		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			reject(model.ErrCodeSignatureStale, "Invalid request timestamp")
			return
		}
		skew := s.now().Sub(time.UnixMilli(ms))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.config.MaxSkew {
			reject(model.ErrCodeSignatureStale, "Request timestamp outside the allowed window")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
		if err != nil {
			reject(model.ErrCodeSignatureInvalid, "Unreadable request body")
			return
		}
		r.Body.Close()
		// 後続のハンドラーが読めるよう復元する
		r.Body = io.NopCloser(bytes.NewReader(body))

		expected := Sign(s.config.Secret, r.Method, r.URL.Path, ts, body)
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			reject(model.ErrCodeSignatureInvalid, "Invalid request signature")
			return
		}

		if s.serviceHeader != "" {
			s.config.Logger.InfoContext(r.Context(), "internal service call",
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("service", r.Header.Get(s.serviceHeader)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
		}

		next.ServeHTTP(w, r)
	})
}
