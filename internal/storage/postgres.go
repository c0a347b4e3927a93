package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

// textArray always encodes as a Postgres array literal. pq.Array turns a nil
// slice into SQL NULL, which violates NOT NULL array columns and makes
// `= ANY` predicates evaluate to NULL.
func textArray(ss []string) driver.Valuer {
	if ss == nil {
		ss = []string{}
	}
	return pq.Array(ss).(driver.Valuer)
}

// OpenPostgres opens and pings a connection pool shared by the Postgres
// store types.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// PostgresOrders implements OrderStore.
type PostgresOrders struct {
	db *sql.DB
}

func NewPostgresOrders(db *sql.DB) *PostgresOrders { return &PostgresOrders{db: db} }

const orderColumns = `id, code, client_id, driver_id, vehicle_id, service_id, state, order_type,
	service_name, district_from, district_to, address_from, address_to, order_desc,
	order_date, client_phone, client_name, tariff, discount_prc, discount_amount, service_prc,
	pay_type, pay_estimate, stripe_customer_id,
	declined_vehicles, pay_total, pay_net_total, pay_net_total_text, service_amount,
	distance, duration, wait_time, payment_intent_id, created_at, updated_at`

func (p *PostgresOrders) Create(ctx context.Context, o *models.Order) error {
	tariff, err := json.Marshal(o.Tariff)
	if err != nil {
		return err
	}
	fromAddr, _ := json.Marshal(o.From)
	toAddr, _ := json.Marshal(o.To)
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35)`,
		o.ID, o.Code, o.ClientID, nullable(o.DriverID), nullable(o.VehicleID), o.ServiceID, o.State, o.Type,
		o.ServiceName, nullable(o.DistrictFrom), nullable(o.DistrictTo), fromAddr, toAddr, o.Desc,
		o.OrderDate, o.ClientPhone, o.ClientName, tariff, o.DiscountPrc, o.DiscountAmount, o.ServicePrc,
		nullable(o.PayType), o.PayEstimate, nullable(o.StripeCustomerID),
		textArray(o.DeclinedVehicles), o.PayTotal, o.PayNetTotal, o.PayNetTotalText, o.ServiceAmount,
		o.Distance, o.Duration, o.WaitTime, nullable(o.PaymentIntentID), o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresOrders) Update(ctx context.Context, o *models.Order) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET driver_id=$1, vehicle_id=$2, state=$3,
		declined_vehicles=$4, pay_total=$5, pay_net_total=$6, pay_net_total_text=$7, service_amount=$8,
		distance=$9, duration=$10, wait_time=$11, payment_intent_id=$12, updated_at=$13 WHERE id=$14`,
		nullable(o.DriverID), nullable(o.VehicleID), o.State,
		textArray(o.DeclinedVehicles), o.PayTotal, o.PayNetTotal, o.PayNetTotalText, o.ServiceAmount,
		o.Distance, o.Duration, o.WaitTime, nullable(o.PaymentIntentID), time.Now(), o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresOrders) Get(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (p *PostgresOrders) CurrentByPair(ctx context.Context, driverID, vehicleID string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE driver_id=$1 AND vehicle_id=$2
		AND state NOT IN ('finished','canceled','taken_scheduled')
		ORDER BY created_at LIMIT 1`, driverID, vehicleID)
	return scanOrder(row)
}

func (p *PostgresOrders) NextUnassigned(ctx context.Context, serviceIDs []string, districtID, vehicleID string) (*models.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders
		WHERE driver_id IS NULL AND vehicle_id IS NULL
		AND state='created' AND order_type='immediate'
		AND service_id = ANY($1)
		AND NOT ($2 = ANY(declined_vehicles))`
	args := []any{textArray(serviceIDs), vehicleID}
	if districtID != "" {
		q += ` AND district_from=$3`
		args = append(args, districtID)
	}
	q += ` ORDER BY created_at LIMIT 1`
	row := p.db.QueryRowContext(ctx, q, args...)
	return scanOrder(row)
}

func (p *PostgresOrders) ScheduledByServices(ctx context.Context, serviceIDs []string) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE order_type='scheduled' AND state='created' AND service_id = ANY($1)
		ORDER BY created_at`, textArray(serviceIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresOrders) CountWaiting(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM orders WHERE state='created' AND driver_id IS NULL`).Scan(&n)
	return n, err
}

func (p *PostgresOrders) AppendHistory(ctx context.Context, h models.OrderHistory) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO order_history(order_id, state, actor, at) VALUES($1,$2,$3,$4)`,
		h.OrderID, h.State, h.Actor, h.At)
	return err
}

func (p *PostgresOrders) History(ctx context.Context, orderID string) ([]models.OrderHistory, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT order_id, state, actor, at FROM order_history WHERE order_id=$1 ORDER BY at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OrderHistory
	for rows.Next() {
		var h models.OrderHistory
		if err := rows.Scan(&h.OrderID, &h.State, &h.Actor, &h.At); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PostgresAvailability implements AvailabilityStore.
type PostgresAvailability struct {
	db *sql.DB
}

func NewPostgresAvailability(db *sql.DB) *PostgresAvailability { return &PostgresAvailability{db: db} }

const availColumns = `driver_id, vehicle_id, driver_name, driver_username, service_ids,
	district_id, available, operational, updated_at`

func (p *PostgresAvailability) Get(ctx context.Context, driverID, vehicleID string) (*models.VehicleAvailability, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+availColumns+` FROM vehicle_availability
		WHERE driver_id=$1 AND vehicle_id=$2`, driverID, vehicleID)
	return scanAvailability(row)
}

func (p *PostgresAvailability) Upsert(ctx context.Context, v *models.VehicleAvailability) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicle_availability(`+availColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (driver_id, vehicle_id) DO UPDATE SET
			driver_name=EXCLUDED.driver_name, driver_username=EXCLUDED.driver_username,
			service_ids=EXCLUDED.service_ids, district_id=EXCLUDED.district_id,
			available=EXCLUDED.available, operational=EXCLUDED.operational,
			updated_at=EXCLUDED.updated_at`,
		v.DriverID, v.VehicleID, v.DriverName, v.DriverUsername, textArray(v.ServiceIDs),
		nullable(v.DistrictID), v.Available, v.Operational, time.Now())
	return err
}

func (p *PostgresAvailability) SetAvailable(ctx context.Context, driverID, vehicleID string, a models.Availability) error {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicle_availability SET available=$1, updated_at=$2
		WHERE driver_id=$3 AND vehicle_id=$4`, a, time.Now(), driverID, vehicleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresAvailability) SetOperational(ctx context.Context, driverID, vehicleID string, op models.Operational) error {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicle_availability SET operational=$1, updated_at=$2
		WHERE driver_id=$3 AND vehicle_id=$4`, op, time.Now(), driverID, vehicleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// candidatesQuery builds the free-vehicle lookup. The exclusion clause is
// emitted only when there is something to exclude, so an empty decline list
// never turns the predicate into NULL.
func candidatesQuery(serviceID, districtID string, exclude []string) (string, []any) {
	q := `SELECT ` + availColumns + ` FROM vehicle_availability
		WHERE available='free' AND operational='active'
		AND $1 = ANY(service_ids)`
	args := []any{serviceID}
	if len(exclude) > 0 {
		args = append(args, textArray(exclude))
		q += fmt.Sprintf(` AND NOT (vehicle_id = ANY($%d))`, len(args))
	}
	if districtID != "" {
		args = append(args, districtID)
		q += fmt.Sprintf(` AND district_id=$%d`, len(args))
	}
	q += ` ORDER BY updated_at`
	return q, args
}

func (p *PostgresAvailability) Candidates(ctx context.Context, serviceID, districtID string, exclude []string) ([]*models.VehicleAvailability, error) {
	q, args := candidatesQuery(serviceID, districtID, exclude)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.VehicleAvailability
	for rows.Next() {
		v, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresAvailability) Counts(ctx context.Context) (active, free int, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT
		count(*) FILTER (WHERE operational='active'),
		count(*) FILTER (WHERE operational='active' AND available='free')
		FROM vehicle_availability`).Scan(&active, &free)
	return active, free, err
}

// PostgresLocations implements LocationStore.
type PostgresLocations struct {
	db *sql.DB
}

func NewPostgresLocations(db *sql.DB) *PostgresLocations { return &PostgresLocations{db: db} }

func (p *PostgresLocations) Append(ctx context.Context, l models.DriverLocation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_locations(driver_id, vehicle_id, order_id, district_id, lat, lon, at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		l.DriverID, l.VehicleID, nullable(l.OrderID), nullable(l.DistrictID), l.Loc.Lat, l.Loc.Lon, l.At)
	return err
}

func (p *PostgresLocations) Latest(ctx context.Context, driverID, vehicleID string) (*models.DriverLocation, error) {
	var l models.DriverLocation
	var orderID, districtID sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, vehicle_id, order_id, district_id, lat, lon, at
		FROM driver_locations WHERE driver_id=$1 AND vehicle_id=$2
		ORDER BY at DESC LIMIT 1`, driverID, vehicleID).
		Scan(&l.DriverID, &l.VehicleID, &orderID, &districtID, &l.Loc.Lat, &l.Loc.Lon, &l.At)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.OrderID = orderID.String
	l.DistrictID = districtID.String
	return &l, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var driverID, vehicleID, districtFrom, districtTo, payType, stripeCustomer, paymentIntent sql.NullString
	var tariff, fromAddr, toAddr []byte
	err := row.Scan(&o.ID, &o.Code, &o.ClientID, &driverID, &vehicleID, &o.ServiceID, &o.State, &o.Type,
		&o.ServiceName, &districtFrom, &districtTo, &fromAddr, &toAddr, &o.Desc,
		&o.OrderDate, &o.ClientPhone, &o.ClientName, &tariff, &o.DiscountPrc, &o.DiscountAmount, &o.ServicePrc,
		&payType, &o.PayEstimate, &stripeCustomer,
		pq.Array(&o.DeclinedVehicles), &o.PayTotal, &o.PayNetTotal, &o.PayNetTotalText, &o.ServiceAmount,
		&o.Distance, &o.Duration, &o.WaitTime, &paymentIntent, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	o.VehicleID = vehicleID.String
	o.DistrictFrom = districtFrom.String
	o.DistrictTo = districtTo.String
	o.PayType = payType.String
	o.StripeCustomerID = stripeCustomer.String
	o.PaymentIntentID = paymentIntent.String
	if err := json.Unmarshal(tariff, &o.Tariff); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(fromAddr, &o.From)
	_ = json.Unmarshal(toAddr, &o.To)
	return &o, nil
}

func scanAvailability(row rowScanner) (*models.VehicleAvailability, error) {
	var v models.VehicleAvailability
	var districtID sql.NullString
	err := row.Scan(&v.DriverID, &v.VehicleID, &v.DriverName, &v.DriverUsername, pq.Array(&v.ServiceIDs),
		&districtID, &v.Available, &v.Operational, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.DistrictID = districtID.String
	return &v, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
