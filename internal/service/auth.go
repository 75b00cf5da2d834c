package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/auth"
	"github.com/sakif/farmsync/internal/model"
)

// IdentityProvider is the part of *auth.Provider the service drives.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*model.Account, error)
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)
	SignInGitHub(ctx context.Context, gh *auth.GitHubUser) (*model.Identity, error)
	SignOut(ctx context.Context)
}

// MaxNameLength bounds the farmer and farm names.
const MaxNameLength = 100

// RegisterInput is everything the registration form collects.
type RegisterInput struct {
	FarmerName      string        `json:"farmerName"`
	FarmName        string        `json:"farmName"`
	Email           string        `json:"email"`
	Password        string        `json:"password"`
	ConfirmPassword string        `json:"confirmPassword"`
	CropType        string        `json:"cropType"`
	Polygon         []model.Point `json:"polygon"`
}

// AuthService handles registration and sign-in.
//
//	AuthHandler (HTTP) -> AuthService -> auth.Provider (accounts, tokens)
//	                                  -> FarmService (profile, field, seed data)
type AuthService struct {
	provider IdentityProvider
	farms    *FarmService
	logger   *slog.Logger
}

// NewAuthService creates an AuthService.
func NewAuthService(provider IdentityProvider, farms *FarmService, logger *slog.Logger) *AuthService {
	return &AuthService{provider: provider, farms: farms, logger: logger}
}

// Register creates an account together with its profile, its first field and
// seed dashboard data, then leaves the device signed out so the farmer signs
// in explicitly.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*model.Account, error) {
	in.FarmerName = strings.TrimSpace(in.FarmerName)
	in.FarmName = strings.TrimSpace(in.FarmName)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateRegistration(in); err != nil {
		return nil, err
	}

	account, err := s.provider.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return nil, err
	}
	uid := account.UID

	profile := model.Profile{
		FarmerName: in.FarmerName,
		FarmName:   in.FarmName,
		Email:      in.Email,
	}
	if err := s.farms.CreateProfile(ctx, uid, profile); err != nil {
		return nil, fmt.Errorf("service/auth: registering %s: %w", uid, err)
	}

	field := model.Field{
		FieldName: in.FarmName,
		CropType:  in.CropType,
		Geometry:  in.Polygon,
	}
	if _, err := s.farms.AddField(ctx, uid, field); err != nil {
		return nil, fmt.Errorf("service/auth: registering %s: %w", uid, err)
	}

	if err := s.farms.Seed(ctx, uid); err != nil {
		return nil, fmt.Errorf("service/auth: registering %s: %w", uid, err)
	}

	s.provider.SignOut(ctx)
	s.logger.Info("farmer registered",
		slog.String("uid", uid),
		slog.String("cropType", in.CropType),
		slog.Int("polygonPoints", len(in.Polygon)),
	)
	return account, nil
}

func validateRegistration(in RegisterInput) error {
	switch {
	case in.FarmerName == "":
		return apperror.ValidationFailed("farmerName", "your name is required")
	case len(in.FarmerName) > MaxNameLength:
		return apperror.ValidationFailed("farmerName",
			fmt.Sprintf("name must be %d characters or less", MaxNameLength))
	case in.FarmName == "":
		return apperror.ValidationFailed("farmName", "farm name is required")
	case len(in.FarmName) > MaxNameLength:
		return apperror.ValidationFailed("farmName",
			fmt.Sprintf("farm name must be %d characters or less", MaxNameLength))
	case in.Email == "":
		return apperror.ValidationFailed("email", "email is required")
	case in.Password == "" || in.ConfirmPassword == "":
		return apperror.ValidationFailed("password", "password and confirmation are required")
	case in.Password != in.ConfirmPassword:
		return apperror.ValidationFailed("confirmPassword", "Password mismatch. Please confirm your password.")
	case !model.IsKnownCrop(in.CropType):
		return apperror.ValidationFailed("cropType",
			fmt.Sprintf("crop type must be one of %s", strings.Join(model.Crops, ", ")))
	case len(in.Polygon) < model.MinFieldPoints:
		return apperror.ValidationFailed("polygon",
			fmt.Sprintf("draw at least %d points around your field", model.MinFieldPoints))
	}
	return nil
}

// SignIn signs the device in with email and password.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	return s.provider.SignIn(ctx, email, password)
}

// SignInGitHub signs the device in as the GitHub user returned by the OAuth
// callback.
func (s *AuthService) SignInGitHub(ctx context.Context, gh *auth.GitHubUser) (*model.Identity, error) {
	if gh == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}
	id, err := s.provider.SignInGitHub(ctx, gh)
	if err != nil {
		return nil, fmt.Errorf("service/auth: GitHub sign-in (githubID=%d): %w", gh.ID, err)
	}
	s.logger.Info("signed in via GitHub", slog.String("uid", id.UID), slog.String("login", gh.Login))
	return id, nil
}

// SignOut signs the device out.
func (s *AuthService) SignOut(ctx context.Context) {
	s.provider.SignOut(ctx)
}

var _ IdentityProvider = (*auth.Provider)(nil)
