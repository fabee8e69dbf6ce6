package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/models"
)

// MongoStore backs OrderStore and DiscountStore with MongoDB. Numeric ids
// come from a counters collection so orders keep the short sequential ids
// customers quote over the phone.
type MongoStore struct {
	orders    *mongo.Collection
	discounts *mongo.Collection
	users     *mongo.Collection
	counters  *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	db := client.Database(database)
	s := &MongoStore{
		orders:    db.Collection("orders"),
		discounts: db.Collection("discounts"),
		users:     db.Collection("users"),
		counters:  db.Collection("counters"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if _, err := s.orders.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "id", Value: 1}}, Options: unique,
	}); err != nil {
		return err
	}
	_, err := s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	return err
}

// NextOrderID atomically increments and returns the order sequence.
func (s *MongoStore) NextOrderID(ctx context.Context) (int64, error) {
	return s.nextSeq(ctx, "orders")
}

func (s *MongoStore) nextSeq(ctx context.Context, name string) (int64, error) {
	after := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		after,
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// resyncSeq bumps the sequence past the highest id already in use. Run
// after a duplicate-key insert, which means the counter fell behind the
// collection (restored dump, manual insert).
func (s *MongoStore) resyncSeq(ctx context.Context, name string, coll *mongo.Collection) error {
	opts := options.FindOne().SetSort(bson.D{{Key: "id", Value: -1}})
	var top struct {
		ID int64 `bson:"id"`
	}
	err := coll.FindOne(ctx, bson.M{}, opts).Decode(&top)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}
	_, err = s.counters.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$max": bson.M{"seq": top.ID}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.orders.InsertOne(ctx, o)
	if mongo.IsDuplicateKeyError(err) {
		// Counter out of step with the collection; resync and retry once
		// with a fresh id.
		if err := s.resyncSeq(ctx, "orders", s.orders); err != nil {
			return err
		}
		id, err := s.NextOrderID(ctx)
		if err != nil {
			return err
		}
		o.ID = id
		_, err = s.orders.InsertOne(ctx, o)
		return err
	}
	return err
}

func (s *MongoStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var o models.Order
	err := s.orders.FindOne(ctx, bson.M{"id": id}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MongoStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	res, err := s.orders.ReplaceOne(ctx, bson.M{"id": o.ID}, o)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) AddImage(ctx context.Context, orderID int64, slot models.ImageSlot, img models.Image) error {
	field := "images.pickup"
	if slot == models.SlotDelivery {
		field = "images.delivery"
	}
	// The slot cap is part of the filter so the push is atomic: a full
	// slot (index cap-1 exists) matches nothing, and concurrent uploads
	// cannot race past the limit.
	res, err := s.orders.UpdateOne(ctx,
		bson.M{
			"id": orderID,
			field + "." + strconv.Itoa(models.MaxImagesPerSlot-1): bson.M{"$exists": false},
		},
		bson.M{"$push": bson.M{field: img}, "$currentDate": bson.M{"updated_at": true}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.orders.CountDocuments(ctx, bson.M{"id": orderID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrSlotFull
	}
	return nil
}

func (s *MongoStore) SetImages(ctx context.Context, orderID int64, slot models.ImageSlot, imgs []models.Image) error {
	field := "images.pickup"
	if slot == models.SlotDelivery {
		field = "images.delivery"
	}
	if imgs == nil {
		imgs = []models.Image{}
	}
	res, err := s.orders.UpdateOne(ctx,
		bson.M{"id": orderID},
		bson.M{"$set": bson.M{field: imgs}, "$currentDate": bson.M{"updated_at": true}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.findOrders(ctx, bson.M{"user_id": userID})
}

func (s *MongoStore) ListOrdersByDriver(ctx context.Context, driverID int64) ([]models.Order, error) {
	return s.findOrders(ctx, bson.M{"driver_id": driverID})
}

func (s *MongoStore) ListOrdersByStatus(ctx context.Context, status models.Status) ([]models.Order, error) {
	return s.findOrders(ctx, bson.M{"status": status})
}

func (s *MongoStore) findOrders(ctx context.Context, filter bson.M) ([]models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	cur, err := s.orders.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.Order
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CountOrdersByUser(ctx context.Context, userID int64) (int, error) {
	n, err := s.orders.CountDocuments(ctx, bson.M{"user_id": userID})
	return int(n), err
}

func (s *MongoStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.users.FindOne(ctx, bson.M{"id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// discountDoc is the stored shape of a discount. The rule is flattened to
// (type, value, tiers) because the in-memory representation is an
// interface.
type discountDoc struct {
	ID          int64          `bson:"id"`
	Name        string         `bson:"name"`
	Description string         `bson:"description,omitempty"`
	Scope       discount.Scope `bson:"scope"`

	Type  discount.Type       `bson:"type"`
	Value float64             `bson:"value,omitempty"`
	Tiers []discount.TierStep `bson:"tiers,omitempty"`

	Code string `bson:"code,omitempty"`

	MinDistanceKM *float64 `bson:"min_distance_km,omitempty"`
	MaxDistanceKM *float64 `bson:"max_distance_km,omitempty"`
	MinOrderValue *float64 `bson:"min_order_value,omitempty"`
	MaxOrderValue *float64 `bson:"max_order_value,omitempty"`

	AllowedPickupCities  []string `bson:"allowed_pickup_cities,omitempty"`
	AllowedDropoffCities []string `bson:"allowed_dropoff_cities,omitempty"`
	ExcludedCities       []string `bson:"excluded_cities,omitempty"`

	ValidFrom  *time.Time `bson:"valid_from,omitempty"`
	ValidUntil *time.Time `bson:"valid_until,omitempty"`

	MaxUsesTotal   *int `bson:"max_uses_total,omitempty"`
	MaxUsesPerUser *int `bson:"max_uses_per_user,omitempty"`
	CurrentUses    int  `bson:"current_uses"`

	AssignedUsers []int64 `bson:"assigned_users,omitempty"`

	Stackable        bool `bson:"stackable"`
	Priority         int  `bson:"priority"`
	HideFromCustomer bool `bson:"hide_from_customer"`

	Active    bool      `bson:"active"`
	CreatedBy *int64    `bson:"created_by,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toDiscountDoc(d *discount.Discount) discountDoc {
	t, value, tiers := discount.RuleSpec(d.Rule)
	return discountDoc{
		ID: d.ID, Name: d.Name, Description: d.Description, Scope: d.Scope,
		Type: t, Value: value, Tiers: tiers,
		Code:          d.Code,
		MinDistanceKM: d.MinDistanceKM, MaxDistanceKM: d.MaxDistanceKM,
		MinOrderValue: d.MinOrderValue, MaxOrderValue: d.MaxOrderValue,
		AllowedPickupCities:  d.AllowedPickupCities,
		AllowedDropoffCities: d.AllowedDropoffCities,
		ExcludedCities:       d.ExcludedCities,
		ValidFrom:            d.ValidFrom, ValidUntil: d.ValidUntil,
		MaxUsesTotal: d.MaxUsesTotal, MaxUsesPerUser: d.MaxUsesPerUser,
		CurrentUses:  d.CurrentUses,
		AssignedUsers: d.AssignedUsers,
		Stackable:     d.Stackable, Priority: d.Priority,
		HideFromCustomer: d.HideFromCustomer,
		Active:           d.Active, CreatedBy: d.CreatedBy,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func fromDiscountDoc(doc *discountDoc) (*discount.Discount, error) {
	rule, err := discount.NewRule(doc.Type, doc.Value, doc.Tiers)
	if err != nil {
		return nil, fmt.Errorf("discount %d: %w", doc.ID, err)
	}
	return &discount.Discount{
		ID: doc.ID, Name: doc.Name, Description: doc.Description, Scope: doc.Scope,
		Rule: rule,
		Code: doc.Code,
		MinDistanceKM: doc.MinDistanceKM, MaxDistanceKM: doc.MaxDistanceKM,
		MinOrderValue: doc.MinOrderValue, MaxOrderValue: doc.MaxOrderValue,
		AllowedPickupCities:  doc.AllowedPickupCities,
		AllowedDropoffCities: doc.AllowedDropoffCities,
		ExcludedCities:       doc.ExcludedCities,
		ValidFrom:            doc.ValidFrom, ValidUntil: doc.ValidUntil,
		MaxUsesTotal: doc.MaxUsesTotal, MaxUsesPerUser: doc.MaxUsesPerUser,
		CurrentUses:  doc.CurrentUses,
		AssignedUsers: doc.AssignedUsers,
		Stackable:     doc.Stackable, Priority: doc.Priority,
		HideFromCustomer: doc.HideFromCustomer,
		Active:           doc.Active, CreatedBy: doc.CreatedBy,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	if d.ID == 0 {
		id, err := s.nextSeq(ctx, "discounts")
		if err != nil {
			return err
		}
		d.ID = id
	}
	doc := toDiscountDoc(d)
	_, err := s.discounts.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	doc := toDiscountDoc(d)
	res, err := s.discounts.ReplaceOne(ctx, bson.M{"id": d.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetDiscount(ctx context.Context, id int64) (*discount.Discount, error) {
	return s.findDiscount(ctx, bson.M{"id": id})
}

func (s *MongoStore) GetDiscountByCode(ctx context.Context, code string) (*discount.Discount, error) {
	return s.findDiscount(ctx, bson.M{"code": code})
}

func (s *MongoStore) findDiscount(ctx context.Context, filter bson.M) (*discount.Discount, error) {
	var doc discountDoc
	err := s.discounts.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromDiscountDoc(&doc)
}

func (s *MongoStore) ListActiveDiscounts(ctx context.Context) ([]discount.Discount, error) {
	return s.findDiscounts(ctx, bson.M{"active": true})
}

func (s *MongoStore) ListDiscounts(ctx context.Context) ([]discount.Discount, error) {
	return s.findDiscounts(ctx, bson.M{})
}

func (s *MongoStore) findDiscounts(ctx context.Context, filter bson.M) ([]discount.Discount, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	cur, err := s.discounts.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []discount.Discount
	for cur.Next(ctx) {
		var doc discountDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		d, err := fromDiscountDoc(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, cur.Err()
}

// IncrementUses bumps current_uses for every applied discount in one
// round-trip per id. Called only after the order insert succeeds.
func (s *MongoStore) IncrementUses(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.discounts.UpdateMany(ctx,
		bson.M{"id": bson.M{"$in": ids}},
		bson.M{"$inc": bson.M{"current_uses": 1}},
	)
	return err
}
