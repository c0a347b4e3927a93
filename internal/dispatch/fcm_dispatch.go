package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// FCMDispatcher posts scheduled-order announcements to the FCM HTTPv1
// endpoint so drivers without a live connection still learn about them.
// Informational only: an FCM push never counts as a delivered offer.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Announce(o *models.Order) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"topic": "scheduled-orders",
		"data": map[string]interface{}{
			"order_id":   o.ID,
			"order_date": o.OrderDate.Format(time.RFC3339),
			"service":    o.ServiceName,
			"from":       o.From.Address,
		},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
