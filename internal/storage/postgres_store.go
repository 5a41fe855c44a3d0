package storage

import (
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	pickup, err := json.Marshal(r.Pickup)
	if err != nil {
		return err
	}
	drop, err := json.Marshal(r.Drop)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO rides(id, rider_id, rider_name, rider_mobile, driver_id, pickup, drop_off, vehicle_class, fare, distance_m, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.RiderName, r.RiderMobile, r.DriverID, pickup, drop, r.VehicleClass, r.Fare, r.DistanceM, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

// UpdateRide touches only the columns the coordinator owns so intake
// fields written at request time are never clobbered.
func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	res, err := p.db.Exec(`UPDATE rides SET driver_id=NULLIF($1,''), status=$2, updated_at=$3, accepted_at=$4, completed_at=$5 WHERE id=$6`,
		r.DriverID, string(r.Status), r.UpdatedAt, r.AcceptedAt, r.CompletedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, error) {
	var (
		r           models.Ride
		driverID    sql.NullString
		pickup      []byte
		drop        []byte
		status      string
		acceptedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := p.db.QueryRow(`SELECT id, rider_id, rider_name, rider_mobile, driver_id, pickup, drop_off, vehicle_class, fare, distance_m, status, created_at, updated_at, accepted_at, completed_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderID, &r.RiderName, &r.RiderMobile, &driverID, &pickup, &drop, &r.VehicleClass, &r.Fare, &r.DistanceM, &status, &r.CreatedAt, &r.UpdatedAt, &acceptedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.Status = models.RideStatus(status)
	if err := json.Unmarshal(pickup, &r.Pickup); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(drop, &r.Drop); err != nil {
		return nil, err
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		r.AcceptedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
