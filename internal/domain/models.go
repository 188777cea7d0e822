package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type MovementType string

const (
	MovementIn         MovementType = "in"
	MovementOut        MovementType = "out"
	MovementAdjustment MovementType = "adjustment"
)

type Channel string

const (
	ChannelAny      Channel = ""
	ChannelDineIn   Channel = "dine_in"
	ChannelTakeaway Channel = "takeaway"
)

type ComponentKind string

const (
	ComponentKindItem        ComponentKind = "item"
	ComponentKindBaseProduct ComponentKind = "base_product"
)

type RecipeModel string

const (
	RecipeModelItems        RecipeModel = "items"
	RecipeModelCompositions RecipeModel = "compositions"
)

const (
	ReferenceSale            = "sale"
	ReferenceSaleCancel      = "sale_cancel"
	ReferencePurchaseReceipt = "purchase_receipt"
	ReferenceStockTake       = "stock_take"
	ReferenceReservation     = "reservation"
)

// UnlimitedProduction is reported as MaxProducible when no essential line constrains a unit.
const UnlimitedProduction int64 = math.MaxInt64

type Component struct {
	ID             string        `json:"id" db:"id"`
	Name           string        `json:"name" db:"name"`
	Unit           string        `json:"unit" db:"unit"`
	Kind           ComponentKind `json:"kind" db:"kind"`
	UsableDineIn   bool          `json:"usable_dine_in" db:"usable_dine_in"`
	UsableTakeaway bool          `json:"usable_takeaway" db:"usable_takeaway"`
	Active         bool          `json:"active" db:"active"`
}

// UsableIn reports whether the component may be drawn for a sale on the given channel.
func (c Component) UsableIn(channel Channel) bool {
	switch channel {
	case ChannelDineIn:
		return c.UsableDineIn
	case ChannelTakeaway:
		return c.UsableTakeaway
	default:
		return true
	}
}

type StockBalance struct {
	ComponentID     string          `json:"component_id" db:"component_id"`
	CurrentStock    decimal.Decimal `json:"current_stock" db:"current_stock"`
	ReservedStock   decimal.Decimal `json:"reserved_stock" db:"reserved_stock"`
	ReorderLevel    decimal.Decimal `json:"reorder_level" db:"reorder_level"`
	MaxStockLevel   decimal.Decimal `json:"max_stock_level" db:"max_stock_level"`
	AverageCost     decimal.Decimal `json:"average_cost" db:"average_cost"`
	LastRestockedAt *time.Time      `json:"last_restocked_at,omitempty" db:"last_restocked_at"`
	Version         int64           `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

func (b StockBalance) Available() decimal.Decimal {
	return b.CurrentStock.Sub(b.ReservedStock)
}

type LedgerEntry struct {
	ID              int64           `json:"id" db:"id"`
	ComponentID     string          `json:"component_id" db:"component_id"`
	SellableUnitID  string          `json:"sellable_unit_id,omitempty" db:"sellable_unit_id"`
	Type            MovementType    `json:"movement_type" db:"movement_type"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	PerUnitQuantity decimal.Decimal `json:"per_unit_quantity" db:"per_unit_quantity"`
	StockBefore     decimal.Decimal `json:"stock_before" db:"stock_before"`
	StockAfter      decimal.Decimal `json:"stock_after" db:"stock_after"`
	UnitCost        decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	TotalCost       decimal.Decimal `json:"total_cost" db:"total_cost"`
	ReferenceType   string          `json:"reference_type" db:"reference_type"`
	ReferenceID     string          `json:"reference_id" db:"reference_id"`
	Notes           string          `json:"notes" db:"notes"`
	MovementDate    time.Time       `json:"movement_date" db:"movement_date"`
	CreatedBy       string          `json:"created_by" db:"created_by"`
}

// SignedQuantity is the effect of the entry on CurrentStock.
func (e LedgerEntry) SignedQuantity() decimal.Decimal {
	switch e.Type {
	case MovementIn:
		return e.Quantity
	case MovementOut:
		return e.Quantity.Neg()
	default:
		if e.StockAfter.LessThan(e.StockBefore) {
			return e.Quantity.Neg()
		}
		return e.Quantity
	}
}

// Balanced reports whether StockAfter == StockBefore + SignedQuantity.
func (e LedgerEntry) Balanced() bool {
	return e.StockBefore.Add(e.SignedQuantity()).Equal(e.StockAfter)
}

// IsPurchase marks stock-in movements that carry a purchase price, as opposed to restorations.
func (e LedgerEntry) IsPurchase() bool {
	return e.Type == MovementIn && e.SellableUnitID == ""
}

type SellableUnit struct {
	ID               string      `json:"id" db:"id"`
	Name             string      `json:"name" db:"name"`
	RecipeModel      RecipeModel `json:"recipe_model" db:"recipe_model"`
	StockComponentID string      `json:"stock_component_id,omitempty" db:"stock_component_id"`
	Active           bool        `json:"active" db:"active"`
}

// DirectComponentID is the balance a unit without recipe lines is sold from.
func (u SellableUnit) DirectComponentID() string {
	if u.StockComponentID != "" {
		return u.StockComponentID
	}
	return u.ID
}

type BOMLine struct {
	SellableUnitID  string           `json:"sellable_unit_id" db:"sellable_unit_id"`
	ComponentID     string           `json:"component_id" db:"component_id"`
	QuantityPerUnit decimal.Decimal  `json:"quantity_per_unit" db:"quantity_per_unit"`
	Essential       bool             `json:"essential" db:"essential"`
	CostPerUnit     *decimal.Decimal `json:"cost_per_unit,omitempty" db:"cost_per_unit"`
	Notes           string           `json:"notes" db:"notes"`
	Position        int              `json:"position" db:"position"`
}

// RecipeLine is a resolved requirement of one sellable unit on one component.
type RecipeLine struct {
	ComponentID     string           `json:"component_id"`
	QuantityPerUnit decimal.Decimal  `json:"quantity_per_unit"`
	Essential       bool             `json:"essential"`
	CostPerUnit     *decimal.Decimal `json:"cost_per_unit,omitempty"`
	Direct          bool             `json:"direct"`
}

type Reservation struct {
	ID              int64           `json:"id" db:"id"`
	ReferenceType   string          `json:"reference_type" db:"reference_type"`
	ReferenceID     string          `json:"reference_id" db:"reference_id"`
	SellableUnitID  string          `json:"sellable_unit_id" db:"sellable_unit_id"`
	ComponentID     string          `json:"component_id" db:"component_id"`
	PerUnitQuantity decimal.Decimal `json:"per_unit_quantity" db:"per_unit_quantity"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

type Reference struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

type AvailabilityRequest struct {
	UnitID   string  `json:"unit_id" validate:"required"`
	Quantity int64   `json:"quantity" validate:"gte=0"`
	Channel  Channel `json:"channel,omitempty" validate:"omitempty,oneof=dine_in takeaway"`
}

type ComponentAvailability struct {
	ComponentID     string          `json:"component_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
	Required        decimal.Decimal `json:"required"`
	OnHand          decimal.Decimal `json:"on_hand"`
	Reserved        decimal.Decimal `json:"reserved"`
	Available       decimal.Decimal `json:"available"`
	CanProduce      int64           `json:"can_produce"`
	Essential       bool            `json:"essential"`
	Excluded        bool            `json:"excluded"`
	Sufficient      bool            `json:"sufficient"`
}

type AvailabilityResult struct {
	UnitID            string                  `json:"unit_id"`
	Requested         int64                   `json:"requested"`
	Producible        bool                    `json:"producible"`
	MaxProducible     int64                   `json:"max_producible"`
	LimitingComponent string                  `json:"limiting_component,omitempty"`
	Lines             []ComponentAvailability `json:"lines"`
}

type CartAvailability struct {
	Producible bool                 `json:"producible"`
	Units      []AvailabilityResult `json:"units"`
	// Shortages lists components whose combined cart demand exceeds available stock.
	Shortages []ComponentShortage `json:"shortages,omitempty"`
}

type ComponentShortage struct {
	ComponentID string          `json:"component_id"`
	Required    decimal.Decimal `json:"required"`
	Available   decimal.Decimal `json:"available"`
}

type ConsumeRequest struct {
	UnitID    string    `json:"unit_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"gte=0"`
	Channel   Channel   `json:"channel,omitempty" validate:"omitempty,oneof=dine_in takeaway"`
	Reference Reference `json:"reference"`
	Actor     string    `json:"actor"`
	Notes     string    `json:"notes,omitempty"`
}

type SaleLine struct {
	UnitID   string `json:"unit_id" validate:"required"`
	Quantity int64  `json:"quantity" validate:"gte=0"`
}

type BatchConsumeRequest struct {
	Lines     []SaleLine `json:"lines" validate:"required,min=1,dive"`
	Channel   Channel    `json:"channel,omitempty" validate:"omitempty,oneof=dine_in takeaway"`
	Reference Reference  `json:"reference"`
	Actor     string     `json:"actor"`
	Notes     string     `json:"notes,omitempty"`
	// Once makes the call a no-op when the reference already has sale consumption, so a
	// redelivered order confirmation does not deduct twice.
	Once bool `json:"once,omitempty"`
}

type RestoreRequest struct {
	UnitID    string    `json:"unit_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"gte=0"`
	Reference Reference `json:"reference"`
	Actor     string    `json:"actor"`
	Notes     string    `json:"notes,omitempty"`
}

type ReceiptRequest struct {
	ComponentID string          `json:"component_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitCost    decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	Reference   Reference       `json:"reference"`
	Actor       string          `json:"actor"`
	Notes       string          `json:"notes,omitempty"`
}

type ReceiptResult struct {
	Entry       LedgerEntry     `json:"entry"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

type PurchaseLine struct {
	ComponentID string          `json:"component_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitCost    decimal.Decimal `json:"unit_cost" validate:"gte=0"`
}

type PurchaseReceiptRequest struct {
	Lines     []PurchaseLine `json:"lines" validate:"required,min=1,dive"`
	Reference Reference      `json:"reference"`
	Actor     string         `json:"actor"`
	Notes     string         `json:"notes,omitempty"`
	// Once skips the receipt, returning no results, when the reference already has
	// purchase entries.
	Once bool `json:"once,omitempty"`
}

type AdjustmentRequest struct {
	ComponentID     string          `json:"component_id" validate:"required"`
	CountedQuantity decimal.Decimal `json:"counted_quantity" validate:"gte=0"`
	Reference       Reference       `json:"reference"`
	Actor           string          `json:"actor"`
	Notes           string          `json:"notes,omitempty"`
}

type ReserveRequest struct {
	UnitID    string    `json:"unit_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"gt=0"`
	Channel   Channel   `json:"channel,omitempty" validate:"omitempty,oneof=dine_in takeaway"`
	Reference Reference `json:"reference"`
	Actor     string    `json:"actor"`
}

type CostBasis string

const (
	CostBasisCurrent CostBasis = "current"
	CostBasisLatest  CostBasis = "latest"
	CostBasisAverage CostBasis = "average"
)

type RecipeCostLine struct {
	ComponentID     string          `json:"component_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	LineCost        decimal.Decimal `json:"line_cost"`
	Overridden      bool            `json:"overridden"`
}

type RecipeCost struct {
	UnitID string           `json:"unit_id"`
	Basis  CostBasis        `json:"basis"`
	Total  decimal.Decimal  `json:"total"`
	Lines  []RecipeCostLine `json:"lines"`
}

type LedgerFilter struct {
	ComponentID   string
	ReferenceType string
	ReferenceID   string
	Type          MovementType
	// PurchasesOnly keeps stock-in entries that carry a purchase price.
	PurchasesOnly bool
	From          time.Time
	To            time.Time
	Limit         int
}

type Discrepancy struct {
	ComponentID  string          `json:"component_id"`
	BalanceStock decimal.Decimal `json:"balance_stock"`
	LedgerStock  decimal.Decimal `json:"ledger_stock"`
}

type ReorderSuggestion struct {
	ComponentID       string          `json:"component_id"`
	Name              string          `json:"name"`
	Unit              string          `json:"unit"`
	CurrentStock      decimal.Decimal `json:"current_stock"`
	Available         decimal.Decimal `json:"available"`
	ReorderLevel      decimal.Decimal `json:"reorder_level"`
	RecommendedQty    decimal.Decimal `json:"recommended_qty"`
	AverageCost       decimal.Decimal `json:"average_cost"`
	EstimatedPurchase decimal.Decimal `json:"estimated_purchase"`
}
