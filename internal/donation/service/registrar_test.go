package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/donation/service"
)

func newRegistrar(f *fixture) *service.Registrar {
	return service.NewRegistrar(f.repo, f.repo, f.svc, stubClock{t: time.Unix(1700000000, 0).UTC()}, nil)
}

func donorInput(email string) service.DonorInput {
	return service.DonorInput{
		Name: "Ana", Phone: "555-0100", Email: email, BloodType: "O-", Age: 29, City: "Boston", State: "MA",
	}
}

func requestInput(urgency string) service.RequestInput {
	return service.RequestInput{
		RequesterName: "Dr. Lee", PatientName: "Sam", Phone: "555-0199", Email: "lee@hospital.org",
		BloodTypeNeeded: "A+", Urgency: urgency, UnitsNeeded: 2, HospitalName: "General", City: "Boston", State: "MA",
	}
}

func TestRegisterDonorStoresAndAnnounces(t *testing.T) {
	f := newFixture(t, service.Config{})
	f.notifier.conns = 3
	reg := newRegistrar(f)
	ctx := context.Background()

	donor, err := reg.RegisterDonor(ctx, donorInput(" Ana@Example.com "))
	require.NoError(t, err)
	require.NotEmpty(t, donor.ID)
	require.Equal(t, "ana@example.com", donor.Email)
	require.True(t, donor.Available)
	require.Equal(t, domain.ONeg, donor.BloodType)

	stored, err := reg.GetDonor(ctx, donor.ID)
	require.NoError(t, err)
	require.Equal(t, donor, stored)

	require.Len(t, f.notifier.broadcasts, 1)
	require.Equal(t, "new_donor", gjson.GetBytes(f.notifier.broadcasts[0], "type").String())

	_, err = reg.RegisterDonor(ctx, donorInput("ANA@example.com"))
	require.ErrorIs(t, err, domain.ErrDuplicateDonor)
	require.Len(t, f.notifier.broadcasts, 1)

	donors, err := reg.ListDonors(ctx)
	require.NoError(t, err)
	require.Len(t, donors, 1)
}

func TestRegisterDonorValidation(t *testing.T) {
	reg := newRegistrar(newFixture(t, service.Config{}))
	ctx := context.Background()

	in := donorInput("a@b.org")
	in.BloodType = "Q+"
	_, err := reg.RegisterDonor(ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidBloodType)

	in = donorInput("a@b.org")
	in.City = "  "
	_, err = reg.RegisterDonor(ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = reg.RegisterDonor(ctx, donorInput("not-an-email"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	in = donorInput("a@b.org")
	in.Age = -1
	_, err = reg.RegisterDonor(ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateRequestDispatchesToOnlineDonors(t *testing.T) {
	f := newFixture(t, service.Config{})
	reg := newRegistrar(f)
	ctx := context.Background()

	donor, err := reg.RegisterDonor(ctx, donorInput("ana@example.com"))
	require.NoError(t, err)
	f.presence.add(donor.ID)

	created, err := reg.CreateRequest(ctx, requestInput("Critical"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, created.Request.Status)
	require.Equal(t, domain.UrgencyCritical, created.Request.Urgency)
	require.Equal(t, 1, created.Dispatch.OnlineCount)
	require.Equal(t, []domain.DonorDelivery{{DonorID: donor.ID, Delivered: true}}, created.Dispatch.PerDonor)
	require.Len(t, f.notifier.sent[donor.ID], 1)

	stored, err := reg.GetRequest(ctx, created.Request.ID)
	require.NoError(t, err)
	require.Equal(t, "Dr. Lee", stored.RequesterName)

	normal, err := reg.CreateRequest(ctx, requestInput("Normal"))
	require.NoError(t, err)
	require.Zero(t, normal.Dispatch.OnlineCount)
	require.Empty(t, normal.Dispatch.PerDonor)
	require.Len(t, f.notifier.sent[donor.ID], 1)

	active, err := reg.ListRequests(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t, service.Config{})
	reg := newRegistrar(f)
	ctx := context.Background()

	_, err := reg.CreateRequest(ctx, requestInput("Whenever"))
	require.ErrorIs(t, err, domain.ErrInvalidUrgency)

	in := requestInput("Urgent")
	in.BloodTypeNeeded = "C"
	_, err = reg.CreateRequest(ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidBloodType)

	in = requestInput("Urgent")
	in.UnitsNeeded = 0
	_, err = reg.CreateRequest(ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	in = requestInput("Urgent")
	in.HospitalName = ""
	_, err = reg.CreateRequest(ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	active, err := reg.ListRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

type failingAnnouncer struct{}

func (failingAnnouncer) AnnounceDonor(context.Context, string) (int, error) {
	return 0, errors.New("hub down")
}

func (failingAnnouncer) HandleRequestCreated(_ context.Context, id string) (domain.DeliverySummary, error) {
	return domain.DeliverySummary{RequestID: id}, errors.New("hub down")
}

func TestRegistrarKeepsRecordsWhenAnnouncementFails(t *testing.T) {
	f := newFixture(t, service.Config{})
	reg := service.NewRegistrar(f.repo, f.repo, failingAnnouncer{}, nil, nil)
	ctx := context.Background()

	donor, err := reg.RegisterDonor(ctx, donorInput("ana@example.com"))
	require.NoError(t, err)
	_, err = reg.GetDonor(ctx, donor.ID)
	require.NoError(t, err)

	created, err := reg.CreateRequest(ctx, requestInput("Critical"))
	require.NoError(t, err)
	require.Empty(t, created.Dispatch.PerDonor)
	_, err = reg.GetRequest(ctx, created.Request.ID)
	require.NoError(t, err)
}
