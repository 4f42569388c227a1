package execution

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"golang.org/x/time/rate"
)

const recvWindow = 5000

// RESTAdapter executes instructions against a broker bridge that speaks
// signed JSON over HTTP.
type RESTAdapter struct {
	platform  string
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
}

func NewRESTAdapter(platform string, s Settings) *RESTAdapter {
	limit := rate.Inf
	if s.RatePerSecond > 0 {
		limit = rate.Limit(s.RatePerSecond)
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RESTAdapter{
		platform:  platform,
		apiKey:    s.APIKey,
		apiSecret: s.APISecret,
		baseURL:   s.Endpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(limit, burst),
	}
}

func (r *RESTAdapter) Platform() string {
	return r.platform
}

func (r *RESTAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, r.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(r.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type orderRequest struct {
	InstructionID string   `json:"instructionId"`
	AccountID     string   `json:"accountId"`
	Action        string   `json:"action"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Qty           string   `json:"qty"`
	StopLoss      *float64 `json:"stopLoss,omitempty"`
	TakeProfit    *float64 `json:"takeProfit,omitempty"`
	OrderID       string   `json:"orderId,omitempty"`
}

type orderResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		OrderID  string  `json:"orderId"`
		AvgPrice float64 `json:"avgPrice"`
		Slippage float64 `json:"slippage"`
	} `json:"result"`
}

func (r *RESTAdapter) Execute(ctx context.Context, in *domain.CopyInstruction) (*domain.ExecutionResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := orderRequest{
		InstructionID: in.ID,
		AccountID:     in.TargetAccountID,
		Action:        string(in.Action),
		Symbol:        in.Symbol,
		Side:          string(in.TradeType),
		Qty:           strconv.FormatFloat(in.ScaledLotSize, 'f', 2, 64),
		StopLoss:      in.StopLoss,
		TakeProfit:    in.TakeProfit,
		OrderID:       in.TargetTradeID,
	}

	resp, err := r.sendRequest(ctx, http.MethodPost, "/v1/copy/"+string(in.Action), payload)
	if err != nil {
		return nil, err
	}

	var result orderResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", r.platform, err)
	}
	if result.RetCode != 0 {
		return &domain.ExecutionResult{Success: false, ErrorMessage: fmt.Sprintf("%s order error: %s", r.platform, result.RetMsg)}, nil
	}

	ticket := result.Result.OrderID
	if ticket == "" {
		ticket = in.TargetTradeID
	}
	return &domain.ExecutionResult{
		Success:         true,
		PlatformTradeID: ticket,
		ActualPrice:     result.Result.AvgPrice,
		SlippagePoints:  result.Result.Slippage,
	}, nil
}

func (r *RESTAdapter) sendRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BRIDGE-API-KEY", r.apiKey)
	req.Header.Set("X-BRIDGE-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BRIDGE-SIGN", r.sign(string(body), timestamp))
	req.Header.Set("X-BRIDGE-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}
