package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/lcs"
	"github.com/furkansenharputlu/f-license-validator/storage"
)

var (
	store storage.Store
	keys  *KeyManager
	hub   *Hub
)

type payRequest struct {
	Device string `json:"device"`
}

type verifyRequest struct {
	PackageName string `json:"package_name"`
	Device      string `json:"device"`
}

type resolveRequest struct {
	Reason string `json:"reason"`
}

func authenticate(w http.ResponseWriter, r *http.Request) (*config.Account, bool) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))

	account, ok := config.Global.Sandbox.AccountByToken(token)
	if !ok {
		ReturnError(w, http.StatusUnauthorized, "invalid access token")
		return nil, false
	}

	return account, true
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}

	return err
}

func PayLicense(w http.ResponseWriter, r *http.Request) {
	account, ok := authenticate(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	offer, ok := config.Global.Sandbox.Offer(id)
	if !ok {
		ReturnError(w, http.StatusNotFound, "license not found: "+id)
		return
	}

	var req payRequest
	if err := decodeBody(r, &req); err != nil {
		ReturnError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Device == "" {
		ReturnError(w, http.StatusBadRequest, "device is required")
		return
	}

	log := logrus.WithFields(logrus.Fields{"username": account.Username, "license_id": offer.ID, "device_id": req.Device})

	grant, err := store.FindGrant(r.Context(), account.Username, offer.PackageID)
	switch {
	case err == nil:
		log.Debug("License already owned")
		ReturnSigned(w, http.StatusOK, lcs.DirectLicense{License: grant.LicenseName})
		return
	case err != storage.ErrNotFound:
		log.WithError(err).Error("Couldn't look up grant")
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if offer.Free() {
		_, err := grantLicense(r, &storage.Grant{
			Username:    account.Username,
			PackageID:   offer.PackageID,
			LicenseID:   offer.ID,
			LicenseName: offer.Name,
		})
		if err != nil {
			log.WithError(err).Error("Couldn't grant free license")
			ReturnError(w, http.StatusInternalServerError, err.Error())
			return
		}

		ReturnSigned(w, http.StatusOK, lcs.DirectLicense{License: offer.Name})
		return
	}

	p := &storage.Payment{
		LicenseID:   offer.ID,
		LicenseName: offer.Name,
		PackageID:   offer.PackageID,
		Username:    account.Username,
		DeviceID:    req.Device,
		Code:        paymentCode(),
		Amount:      offer.Price,
		Currency:    offer.Currency,
		Status:      storage.PaymentPending,
	}

	if err := store.AddPayment(r.Context(), p); err != nil {
		log.WithError(err).Error("Payment couldn't be stored")
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sandboxMetrics.payments.WithLabelValues(string(storage.PaymentPending)).Inc()

	log.WithField("payment_id", p.ID).Info("Payment created")

	ReturnSigned(w, http.StatusOK, lcs.QrCode{
		PaymentID:   p.ID,
		Code:        p.Code,
		LicenseName: p.LicenseName,
		Amount:      p.Amount,
		Currency:    p.Currency,
	})
}

func VerifyLicense(w http.ResponseWriter, r *http.Request) {
	account, ok := authenticate(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		ReturnError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.PackageName == "" {
		ReturnError(w, http.StatusBadRequest, "package_name is required")
		return
	}

	var result lcs.VerificationResult
	grant, err := store.FindGrant(r.Context(), account.Username, req.PackageName)
	switch {
	case err == nil:
		result.License = grant.LicenseName
	case err != storage.ErrNotFound:
		logrus.WithError(err).Error("Error while getting grant")
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ReturnSigned(w, http.StatusOK, result)
}

func GetSignatureKey(w http.ResponseWriter, r *http.Request) {
	ReturnResponse(w, http.StatusOK, map[string]interface{}{
		"alg":        keys.Signer().Alg(),
		"public_key": string(keys.PublicKeyPEM()),
	})
}

func GetAllPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := store.ListPayments(r.Context())
	if err != nil {
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if payments == nil {
		payments = make([]*storage.Payment, 0)
	}

	ReturnResponse(w, http.StatusOK, payments)
}

func GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := store.GetPayment(r.Context(), mux.Vars(r)["id"])
	if err == storage.ErrNotFound {
		ReturnError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ReturnResponse(w, http.StatusOK, p)
}

// ResolvePayment settles a pending payment and pushes the result to the paying device.
func ResolvePayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var status storage.PaymentStatus
	switch {
	case strings.HasSuffix(r.URL.Path, "/confirm"):
		status = storage.PaymentPaid
	case strings.HasSuffix(r.URL.Path, "/reject"):
		status = storage.PaymentFailed
	default:
		status = storage.PaymentCancelled
	}

	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		ReturnError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logrus.WithFields(logrus.Fields{"payment_id": id, "status": status})

	// A paid payment is only settled once its grant exists, so a failed grant leaves it
	// pending and the confirmation can be retried.
	var granted *storage.Grant
	if status == storage.PaymentPaid {
		p, err := store.GetPayment(r.Context(), id)
		if !checkResolvable(w, log, p, err) {
			return
		}

		g := &storage.Grant{
			Username:    p.Username,
			PackageID:   p.PackageID,
			LicenseID:   p.LicenseID,
			LicenseName: p.LicenseName,
			PaymentID:   p.ID,
		}
		created, err := grantLicense(r, g)
		if err != nil {
			log.WithError(err).Error("License couldn't be granted")
			ReturnError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if created {
			granted = g
		}
	}

	p, err := store.ResolvePayment(r.Context(), id, status, req.Reason)
	if err != nil && granted != nil {
		if err := store.DeleteGrant(r.Context(), granted.ID); err != nil {
			log.WithError(err).Error("Couldn't roll back grant")
		}
	}
	if !checkResolvable(w, log, p, err) {
		return
	}
	sandboxMetrics.payments.WithLabelValues(string(status)).Inc()

	msg := channel.Payment{
		PaymentID: p.ID,
		Status:    channel.PaymentStatus(p.Status),
		Reason:    p.Reason,
	}
	if status == storage.PaymentPaid {
		msg.License = p.LicenseName
	}

	if !hub.Subscribed(p.DeviceID) {
		log.WithField("device_id", p.DeviceID).Warn("Device has no open payment channel")
	}

	if !hub.Publish(p.DeviceID, channel.NewPaymentMessage(msg)) {
		log.Warn("Payment channel hub is not running, result not pushed")
	}

	log.Info("Payment resolved")
	ReturnResponse(w, http.StatusOK, p)
}

// checkResolvable writes the error response for a payment lookup that cannot be settled.
func checkResolvable(w http.ResponseWriter, log *logrus.Entry, p *storage.Payment, err error) bool {
	switch {
	case err == storage.ErrNotFound:
		ReturnError(w, http.StatusNotFound, "payment not found")
	case err == storage.ErrAlreadyResolved || (err == nil && !p.Pending()):
		ReturnError(w, http.StatusConflict, "payment already resolved as "+string(p.Status))
	case err != nil:
		log.WithError(err).Error("Error while resolving payment")
		ReturnError(w, http.StatusInternalServerError, err.Error())
	default:
		return true
	}

	return false
}

func GetAllGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := store.ListGrants(r.Context())
	if err != nil {
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if grants == nil {
		grants = make([]*storage.Grant, 0)
	}

	ReturnResponse(w, http.StatusOK, grants)
}

func DeleteGrant(w http.ResponseWriter, r *http.Request) {
	err := store.DeleteGrant(r.Context(), mux.Vars(r)["id"])
	if err == storage.ErrNotFound {
		ReturnError(w, http.StatusNotFound, "grant not found")
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Error while deleting grant")
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ReturnResponse(w, http.StatusOK, map[string]interface{}{
		"message": "Grant successfully deleted",
	})
}

func Ping(w http.ResponseWriter, r *http.Request) {
	ReturnResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

// grantLicense stores g, treating an existing grant for the same owner as success.
// created is false when the owner already had one.
func grantLicense(r *http.Request, g *storage.Grant) (created bool, err error) {
	err = store.AddGrant(r.Context(), g)
	if errors.Is(err, storage.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sandboxMetrics.grants.Inc()
	return true, nil
}

func paymentCode() string {
	return "FLP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func ReturnResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	bytes, _ := json.Marshal(resp)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(bytes)
}

func ReturnError(w http.ResponseWriter, statusCode int, errMsg string) {
	ReturnResponse(w, statusCode, map[string]interface{}{
		"error": errMsg,
	})
}

// ReturnSigned writes resp with a detached signature of the exact body bytes.
func ReturnSigned(w http.ResponseWriter, statusCode int, resp interface{}) {
	bytes, err := json.Marshal(resp)
	if err != nil {
		ReturnError(w, http.StatusInternalServerError, err.Error())
		return
	}

	signature, err := keys.Signer().Sign(bytes)
	if err != nil {
		logrus.WithError(err).Error("Response couldn't be signed")
		ReturnError(w, http.StatusInternalServerError, "response couldn't be signed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(lcs.SignatureHeader, signature)
	w.WriteHeader(statusCode)
	_, _ = w.Write(bytes)
}

func AuthenticationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Global.AdminSecret == "" || r.Header.Get("Authorization") != config.Global.AdminSecret {
			ReturnResponse(w, http.StatusUnauthorized, map[string]interface{}{
				"message": "Authorization failed",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
