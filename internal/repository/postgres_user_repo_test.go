package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/matchauth/internal/database"
	"github.com/hitoshi/matchauth/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// setupRepoDB はリポジトリテスト用のデータベースを準備する。
// TEST_DATABASE_URL が未設定、または接続できない場合はスキップする。
func setupRepoDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE refresh_tokens, auth_credentials, users CASCADE`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return db
}

// createEmailUser はテスト用のメールユーザーと資格情報を作成する。
func createEmailUser(t *testing.T, db *sqlx.DB, email string) (*model.User, *model.AuthCredential) {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	hash := "$2a$12$dummyhashdummyhashdummyhashdummyhashdummyhashdummyha"
	user := &model.User{
		ID:           "email_" + uuid.NewString(),
		Email:        email,
		PasswordHash: &hash,
		Provider:     model.ProviderEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	cred := &model.AuthCredential{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Provider:     model.ProviderEmail,
		Email:        email,
		PasswordHash: &hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := NewPostgresUserRepo(db).CreateWithCredential(context.Background(), user, cred); err != nil {
		t.Fatalf("CreateWithCredential() error = %v", err)
	}
	return user, cred
}

// PostgresUserRepoはUserRepositoryインターフェースを満たすことを検証
func TestPostgresUserRepo_ImplementsInterface(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
}

// NewPostgresUserRepoが正しく初期化されることを検証
func TestNewPostgresUserRepo_Initializes(t *testing.T) {
	repo := NewPostgresUserRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", errors.Join(errors.New("insert"), &pq.Error{Code: "23505"}), true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostgresUserRepo_CreateFindDelete(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewPostgresUserRepo(db)
	ctx := context.Background()

	user, _ := createEmailUser(t, db, "alice@example.com")

	got, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got == nil || got.Email != "alice@example.com" {
		t.Fatalf("FindByID() = %+v, want alice@example.com", got)
	}
	if got.EmailVerified {
		t.Error("new email user must be unverified")
	}

	if err := repo.DeleteByID(ctx, user.ID); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}
	if err := repo.DeleteByID(ctx, user.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteByID() error = %v, want ErrNotFound", err)
	}

	got, err = repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got != nil {
		t.Error("user should be deleted")
	}
}

func TestPostgresUserRepo_CreateWithCredential_Duplicate(t *testing.T) {
	db := setupRepoDB(t)
	createEmailUser(t, db, "dup@example.com")

	now := time.Now()
	user := &model.User{ID: "email_" + uuid.NewString(), Email: "DUP@example.com", Provider: model.ProviderEmail, CreatedAt: now, UpdatedAt: now}
	cred := &model.AuthCredential{ID: uuid.NewString(), UserID: user.ID, Provider: model.ProviderEmail, Email: "DUP@example.com", CreatedAt: now, UpdatedAt: now}

	err := NewPostgresUserRepo(db).CreateWithCredential(context.Background(), user, cred)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateWithCredential() error = %v, want ErrDuplicate", err)
	}
}
