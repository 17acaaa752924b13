package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, body string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestVerifyEventRejectsBadSignatures(t *testing.T) {
	body := `{"id":"evt_1","object":"event","type":"invoice.paid","created":1790000000,"data":{"object":{"id":"in_1","object":"invoice"}}}`
	header, payload := signedPayload(t, body)

	if _, err := VerifyEvent(payload, header, testWebhookSecret); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if _, err := VerifyEvent(payload, header, "whsec_other"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for wrong secret, got %v", err)
	}
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-3] = ' '
	if _, err := VerifyEvent(tampered, header, testWebhookSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for tampered body, got %v", err)
	}
	if _, err := VerifyEvent(payload, "", testWebhookSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for missing header, got %v", err)
	}
	if _, err := VerifyEvent(payload, header, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature without a configured secret, got %v", err)
	}
}

func TestParseEventVariants(t *testing.T) {
	testCases := []struct {
		name  string
		body  string
		check func(t *testing.T, event Event)
	}{
		{
			name: "subscription updated",
			body: `{"id":"evt_sub","object":"event","type":"customer.subscription.updated","created":1790000000,"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","current_period_end":1792000000,"metadata":{"user_id":"user-1"},"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro","object":"price","product":"prod_pro"}}]}}}}`,
			check: func(t *testing.T, event Event) {
				updated, ok := event.(SubscriptionUpdated)
				if !ok {
					t.Fatalf("expected SubscriptionUpdated, got %T", event)
				}
				if updated.ProductID != "prod_pro" || updated.CustomerRef != "cus_1" || updated.UserID != "user-1" || updated.Status != "active" {
					t.Fatalf("unexpected subscription event %+v", updated)
				}
				if !updated.PeriodEnd.Equal(time.Unix(1792000000, 0)) || !updated.OccurredAt().Equal(time.Unix(1790000000, 0)) {
					t.Fatalf("unexpected timestamps %+v", updated)
				}
			},
		},
		{
			name: "invoice paid",
			body: `{"id":"evt_inv","object":"event","type":"invoice.paid","created":1790000000,"data":{"object":{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1","lines":{"object":"list","data":[{"id":"il_1","object":"line_item","period":{"start":1789000000,"end":1792000000},"price":{"id":"price_basic","object":"price","product":"prod_basic"}}]}}}}`,
			check: func(t *testing.T, event Event) {
				paid, ok := event.(InvoicePaid)
				if !ok {
					t.Fatalf("expected InvoicePaid, got %T", event)
				}
				if paid.ProductID != "prod_basic" || paid.SubscriptionRef != "sub_1" || !paid.PeriodEnd.Equal(time.Unix(1792000000, 0)) {
					t.Fatalf("unexpected invoice event %+v", paid)
				}
			},
		},
		{
			name: "payment checkout",
			body: `{"id":"evt_cs","object":"event","type":"checkout.session.completed","created":1790000000,"data":{"object":{"id":"cs_1","object":"checkout.session","mode":"payment","customer":"cus_1","amount_total":499,"currency":"eur","metadata":{"user_id":"user-1","purchase":"addons_only","addons":"urgent,highlight,urgent","job_id":"job-1"}}}}`,
			check: func(t *testing.T, event Event) {
				checkout, ok := event.(CheckoutCompleted)
				if !ok {
					t.Fatalf("expected CheckoutCompleted, got %T", event)
				}
				if checkout.Purchase != PurchaseAddonsOnly || checkout.JobID != "job-1" || len(checkout.Addons) != 2 {
					t.Fatalf("unexpected checkout event %+v", checkout)
				}
				if checkout.Addons[0] != AddonHighlight || checkout.Addons[1] != AddonUrgent {
					t.Fatalf("expected sorted add-ons, got %v", checkout.Addons)
				}
			},
		},
		{
			name: "subscription deleted",
			body: `{"id":"evt_del","object":"event","type":"customer.subscription.deleted","created":1790000000,"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}}}`,
			check: func(t *testing.T, event Event) {
				deleted, ok := event.(SubscriptionDeleted)
				if !ok {
					t.Fatalf("expected SubscriptionDeleted, got %T", event)
				}
				if deleted.SubscriptionRef != "sub_1" || deleted.CustomerRef != "cus_1" {
					t.Fatalf("unexpected deletion event %+v", deleted)
				}
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			header, payload := signedPayload(t, testCase.body)
			raw, err := VerifyEvent(payload, header, testWebhookSecret)
			if err != nil {
				t.Fatalf("verify failed: %v", err)
			}
			event, err := ParseEvent(raw)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			testCase.check(t, event)

			decoded, err := DecodeEvent(payload)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if decoded.EventID() != event.EventID() {
				t.Fatalf("expected decoded id %s, got %s", event.EventID(), decoded.EventID())
			}
		})
	}
}

func TestParseEventRejectsUnusablePayloads(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"id":"evt_1","object":"event","type":"charge.refunded","created":1,"data":{"object":{"id":"ch_1"}}}`)); !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("expected ignored event, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`{"id":"evt_2","object":"event","type":"invoice.paid","created":1,"data":{"object":{"id":"in_1","object":"invoice"}}}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed invoice without lines, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`{"id":"evt_3","object":"event","type":"checkout.session.completed","created":1,"data":{"object":{"id":"cs_1","object":"checkout.session","mode":"payment","metadata":{"purchase":"free_lunch"}}}}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed purchase, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`not json`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed body, got %v", err)
	}
}
