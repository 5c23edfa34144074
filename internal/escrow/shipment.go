package escrow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

// ShipmentStatus tracks the physical leg of an escrow.
type ShipmentStatus string

const (
	ShipmentShipped   ShipmentStatus = "shipped"
	ShipmentDelivered ShipmentStatus = "delivered"
)

// Shipment records carrier details plus the delivery-code pair. The
// shortRef is a public lookup key; the delivery code is a secret shared
// only with the buyer and never returned to the seller.
type Shipment struct {
	EscrowID     string         `json:"escrowId"`
	Carrier      string         `json:"carrier,omitempty"`
	Tracking     string         `json:"tracking,omitempty"`
	ShortRef     string         `json:"shortRef"`
	DeliveryCode string         `json:"-"`
	Status       ShipmentStatus `json:"status"`
	ShippedAt    time.Time      `json:"shippedAt"`
	DeliveredAt  *time.Time     `json:"deliveredAt,omitempty"`
}

// ErrShortRefTaken is returned by stores when a generated shortRef
// collides; Ship retries with a fresh one.
var ErrShortRefTaken = errors.New("escrow: short reference already in use")

const shortRefAttempts = 5

// ShipRequest carries optional carrier details.
type ShipRequest struct {
	Carrier  string `json:"carrier"`
	Tracking string `json:"tracking"`
}

// Ship records the shipment and hands the buyer the delivery code. Seller
// only, from funded or awaiting_shipment. The returned shipment includes
// the code so the caller can relay it to the buyer; API responses to the
// seller must use the Shipment JSON form, which omits it.
func (s *Service) Ship(ctx context.Context, id string, actor Actor, req ShipRequest) (*Escrow, *Shipment, error) {
	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if e.Status != StatusFunded && e.Status != StatusAwaitingShipment {
		return nil, nil, ErrInvalidState
	}
	if !actorIs(actor, ActorSeller, e.SellerID) {
		return nil, nil, ErrUnauthorized
	}

	now := time.Now()
	sh := &Shipment{
		EscrowID:     e.ID,
		Carrier:      req.Carrier,
		Tracking:     req.Tracking,
		DeliveryCode: newDeliveryCode(),
		Status:       ShipmentShipped,
		ShippedAt:    now,
	}

	// Short references are small so collisions happen; retry with fresh ones.
	var saveErr error
	for i := 0; i < shortRefAttempts; i++ {
		sh.ShortRef = newShortRef()
		if saveErr = s.store.SaveShipment(ctx, sh); !errors.Is(saveErr, ErrShortRefTaken) {
			break
		}
	}
	if saveErr != nil {
		return nil, nil, fmt.Errorf("failed to save shipment: %w", saveErr)
	}

	from := e.Status
	next := *e
	next.Status = StatusShipped
	next.ShippedAt = &now
	next.UpdatedAt = now

	if err := s.store.Transition(ctx, &next, from, nil, nil); err != nil {
		// A lost race leaves the shipment orphaned on a non-shipped
		// escrow; take it back out so the delivery code never dangles.
		if delErr := s.store.DeleteShipment(ctx, e.ID); delErr != nil {
			s.logger.Error("failed to remove shipment after lost transition", "escrow_id", e.ID, "error", delErr)
		}
		return nil, nil, err
	}

	observeTransition(StatusShipped, actor.Kind)
	s.emit("escrow.shipped", &next, actor.Kind)
	s.notify(ctx, e.BuyerID, "escrow_shipped", map[string]string{
		"escrowId":     e.ID,
		"shortRef":     sh.ShortRef,
		"deliveryCode": sh.DeliveryCode,
		"carrier":      sh.Carrier,
		"tracking":     sh.Tracking,
	})
	return &next, sh, nil
}

// MarkServiceCompleted skips the physical leg for service escrows: seller
// declares the work done and the auto-release clock starts immediately.
func (s *Service) MarkServiceCompleted(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded && e.Status != StatusAwaitingShipment {
		return nil, ErrInvalidState
	}
	if !actorIs(actor, ActorSeller, e.SellerID) {
		return nil, ErrUnauthorized
	}

	now := time.Now()
	from := e.Status
	next := *e
	next.Status = StatusAwaitingRelease
	next.DeliveredAt = &now
	next.UpdatedAt = now

	if err := s.store.Transition(ctx, &next, from, nil, nil); err != nil {
		return nil, err
	}

	observeTransition(StatusAwaitingRelease, actor.Kind)
	s.emit("escrow.service_completed", &next, actor.Kind)
	s.notify(ctx, e.BuyerID, "service_completed", map[string]string{"escrowId": e.ID})
	return s.maybeAutoSettle(ctx, &next)
}

// ConfirmDelivery is the buyer acknowledging receipt.
func (s *Service) ConfirmDelivery(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actorIs(actor, ActorBuyer, e.BuyerID) {
		return nil, ErrUnauthorized
	}
	return s.deliver(ctx, e, actor)
}

// ConfirmDeliveryByCode confirms delivery with a (shortRef, code) pair and
// is otherwise anonymous: couriers are not system users. A wrong code is
// rejected before any state is read or changed.
func (s *Service) ConfirmDeliveryByCode(ctx context.Context, shortRef, code string) (*Escrow, error) {
	sh, err := s.store.GetShipmentByRef(ctx, shortRef)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(sh.DeliveryCode), []byte(code)) != 1 {
		return nil, ErrInvalidCode
	}

	defer s.lockEscrow(sh.EscrowID)()

	e, err := s.store.Get(ctx, sh.EscrowID)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, e, System())
}

// deliver transitions shipped → delivered, stamps deliveredAt, and applies
// the auto-settlement rule. Caller holds the escrow lock.
func (s *Service) deliver(ctx context.Context, e *Escrow, actor Actor) (*Escrow, error) {
	if e.Status != StatusShipped {
		return nil, ErrInvalidState
	}

	now := time.Now()
	next := *e
	next.Status = StatusDelivered
	next.DeliveredAt = &now
	next.UpdatedAt = now

	if err := s.store.Transition(ctx, &next, StatusShipped, nil, nil); err != nil {
		return nil, err
	}

	if sh, err := s.store.GetShipment(ctx, e.ID); err == nil {
		sh.Status = ShipmentDelivered
		sh.DeliveredAt = &now
		if err := s.store.SaveShipment(ctx, sh); err != nil {
			s.logger.Warn("failed to update shipment record", "escrowId", e.ID, "error", err)
		}
	}

	observeTransition(StatusDelivered, actor.Kind)
	s.emit("escrow.delivered", &next, actor.Kind)
	s.notify(ctx, e.SellerID, "escrow_delivered", map[string]string{"escrowId": e.ID})

	return s.maybeAutoSettle(ctx, &next)
}

// maybeAutoSettle releases immediately when autoReleaseDays is zero and no
// dispute froze the escrow. Caller holds the escrow lock.
func (s *Service) maybeAutoSettle(ctx context.Context, e *Escrow) (*Escrow, error) {
	if e.AutoReleaseDays != 0 || e.Status == StatusDisputed {
		return e, nil
	}
	settled, err := s.release(ctx, e, System(), "auto-settled on delivery")
	if err != nil {
		// Delivery already committed; settlement can be retried by the sweep.
		s.logger.Error("auto-settlement failed", "escrowId", e.ID, "error", err)
		return e, nil
	}
	return settled, nil
}

// GetShipment returns an escrow's shipment without the delivery code.
func (s *Service) GetShipment(ctx context.Context, escrowID string) (*Shipment, error) {
	return s.store.GetShipment(ctx, escrowID)
}

// newShortRef generates an 8-character public lookup key.
func newShortRef() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// newDeliveryCode generates a 6-digit confirmation code.
func newDeliveryCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = '0' + b[i]%10
	}
	return string(b)
}
