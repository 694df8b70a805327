package account

import (
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// EventType tags an account event.
type EventType string

const (
	EventWalletUpdated        EventType = "wallet_updated"
	EventWalletChanged        EventType = "wallet_changed"
	EventInvalidWallet        EventType = "invalid_wallet"
	EventDepositedFunds       EventType = "deposited_funds"
	EventFailedToDepositFunds EventType = "failed_to_deposit_funds"
	EventStatementChanged     EventType = "statement_changed"
	EventCaptchaRequired      EventType = "captcha_required"
	EventCaptchaCleared       EventType = "captcha_cleared"
)

// Event is published to observers after each account state transition.
// Only the fields relevant to Type are set.
type Event struct {
	Type               EventType               `json:"type"`
	At                 time.Time               `json:"at"`
	WalletID           string                  `json:"wallet_id,omitempty"`
	CaptchaID          string                  `json:"captcha_id,omitempty"`
	Transaction        *domain.Transaction     `json:"transaction,omitempty"`
	CreativeInstanceID string                  `json:"creative_instance_id,omitempty"`
	AdType             domain.AdType           `json:"ad_type,omitempty"`
	ConfirmationType   domain.ConfirmationType `json:"confirmation_type,omitempty"`
}

// Observer receives account events. Observers run on the account's
// sequence: they must return quickly and must not call back into the
// Account.
type Observer func(Event)

type observerList struct {
	next      int
	observers map[int]Observer
	order     []int
}

func (l *observerList) add(o Observer) int {
	if l.observers == nil {
		l.observers = map[int]Observer{}
	}
	id := l.next
	l.next++
	l.observers[id] = o
	l.order = append(l.order, id)
	return id
}

func (l *observerList) remove(id int) {
	if _, ok := l.observers[id]; !ok {
		return
	}
	delete(l.observers, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// publish fans e out in registration order.
func (l *observerList) publish(e Event) {
	for _, id := range l.order {
		l.observers[id](e)
	}
}
