package store

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/themadorg/tempmail/internal/db"
)

// CreateUser registers a global API account.
func (s *Store) CreateUser(email, password string) (*db.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &db.User{Email: email, PasswordHash: string(hash)}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing db.User
		err := tx.First(&existing, "email = ?", email).Error
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) GetUser(email string) (*db.User, error) {
	var user db.User
	err := s.db.First(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyUser checks the account password.
func (s *Store) VerifyUser(email, password string) (*db.User, error) {
	user, err := s.GetUser(email)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrWrongPassword
	}
	return user, nil
}

func (s *Store) DeleteUser(email string) error {
	res := s.db.Delete(&db.User{}, "email = ?", email)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HasAnyUser reports whether at least one account exists; registration is
// open only while it returns false.
func (s *Store) HasAnyUser() (bool, error) {
	var count int64
	if err := s.db.Model(&db.User{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
