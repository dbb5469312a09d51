package httpapi

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/thimpu-create/cab-microservice-api/internal/apperrors"
)

type rideRequestBody struct {
	PassengerID    string   `json:"passenger_id" validate:"required_without=RequesterID,omitempty,identity"`
	RequesterID    string   `json:"requester_id" validate:"required_without=PassengerID,omitempty,identity"`
	Lat            *float64 `json:"lat" validate:"required,latitude"`
	Lon            *float64 `json:"lon" validate:"required,longitude"`
	PickupAddress  string   `json:"pickup_address" validate:"max=256"`
	DropoffAddress string   `json:"dropoff_address" validate:"max=256"`
	DropoffLat     *float64 `json:"dropoff_lat" validate:"omitempty,latitude"`
	DropoffLon     *float64 `json:"dropoff_lon" validate:"omitempty,longitude"`
}

func (b rideRequestBody) requester() string {
	if b.PassengerID != "" {
		return b.PassengerID
	}
	return b.RequesterID
}

type cancelBody struct {
	PassengerID string `json:"passenger_id" validate:"required_without=RequesterID,omitempty,identity"`
	RequesterID string `json:"requester_id" validate:"required_without=PassengerID,omitempty,identity"`
}

func (b cancelBody) requester() string {
	if b.PassengerID != "" {
		return b.PassengerID
	}
	return b.RequesterID
}

type locationBody struct {
	ID       string   `json:"id" validate:"required_without=DriverID,omitempty,identity"`
	DriverID string   `json:"driver_id" validate:"required_without=ID,omitempty,identity"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lon      *float64 `json:"lon" validate:"required,longitude"`
	Status   string   `json:"status" validate:"omitempty,oneof=available busy offline"`
}

func (b locationBody) driver() string {
	if b.ID != "" {
		return b.ID
	}
	return b.DriverID
}

type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// identity is a fixed pattern, registration cannot fail
	_ = v.RegisterValidation("identity", validateIdentity)
	return &requestValidator{validate: v}
}

// validateIdentity accepts up to 128 printable characters with no spaces or
// path separators.
func validateIdentity(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || r == '/' {
			return false
		}
	}
	return true
}

// Struct validates body and returns an apperrors validation error listing
// the failing fields by their JSON names.
func (v *requestValidator) Struct(body any) error {
	err := v.validate.Struct(body)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.InvalidInput(err.Error())
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return apperrors.Validation("request validation failed", details)
}
