package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email      *string   `gorm:"size:100;unique" json:"email"`
	Phone      string    `gorm:"size:20" json:"phone"`
	ImageUrl   string    `json:"image_url"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	RoleId     int       `gorm:"not null;default:0" json:"role_id"`
	Role       UserRole  `gorm:"type:enum('A', 'O', 'C');default:C" json:"role"`
	BranchId   int       `gorm:"index" json:"branch_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string   `json:"username" binding:"required"`
	Name     string   `json:"name" binding:"required"`
	Email    string   `json:"email"`
	Phone    string   `json:"phone"`
	ImageUrl string   `json:"image_url"`
	Password string   `json:"password" binding:"required"`
	RoleId   int      `json:"role_id"`
	Role     UserRole `json:"role"`
	BranchId int      `json:"branch_id"`
}

type LoginInfo struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

func (u User) GetId() int {
	return u.ID
}

func (u User) GetBusinessId() string {
	return u.BusinessId
}

func (u User) GetDefault(id int) Data {
	return User{
		ID:        id,
		Name:      "deleted user",
		IsActive:  utils.NewFalse(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (u User) storeRedis() error {
	return config.SetRedisObject("User:"+u.Username, &u, 0)
}

func (input *NewUser) validate(ctx context.Context, businessId string) error {
	if strings.TrimSpace(input.Username) == "" {
		return errors.New("username is required")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return err
		}
	}
	if input.RoleId > 0 {
		if err := utils.ValidateResourceId[Role](ctx, businessId, input.RoleId); err != nil {
			return errors.New("role not found")
		}
	}
	if input.BranchId > 0 {
		if err := utils.ValidateResourceId[Branch](ctx, businessId, input.BranchId); err != nil {
			return errors.New("branch not found")
		}
	}
	return nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = UserRoleStaff
	}

	user := User{
		BusinessId: businessId,
		Username:   input.Username,
		Name:       input.Name,
		Phone:      input.Phone,
		ImageUrl:   input.ImageUrl,
		Password:   string(hashed),
		IsActive:   utils.NewTrue(),
		RoleId:     input.RoleId,
		Role:       role,
		BranchId:   input.BranchId,
	}
	if input.Email != "" {
		user.Email = &input.Email
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {

	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, errors.New("invalid username or password")
	}
	if user.IsActive == nil || !*user.IsActive {
		return nil, errors.New("user is inactive")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, errors.New("invalid username or password")
	}

	token, err := utils.JwtGenerate(ctx, user.Username, string(user.Role))
	if err != nil {
		return nil, err
	}

	if err := user.storeRedis(); err != nil {
		return nil, err
	}

	return &LoginInfo{Token: token, User: &user}, nil
}

// GetUserByUsername serves the auth middleware on every request, so it reads
// through the redis cache before touching the db.
func GetUserByUsername(ctx context.Context, username string) (*User, error) {

	var user User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		if err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := user.storeRedis(); err != nil {
			return nil, err
		}
	}
	return &user, nil
}

func GetUser(ctx context.Context, id int) (*User, error) {
	return GetResource[User](ctx, id)
}

func ListAllUsers(ctx context.Context) ([]*User, error) {
	return ListAllResource[User, User](ctx, "name")
}
