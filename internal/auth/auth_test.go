package auth_test

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-hub/internal/auth"
	"procodus.dev/iot-hub/pkg/clock"
)

var _ = Describe("JWT", func() {
	var (
		fake     *clock.FakeClock
		verifier *auth.JWT
		user     auth.Identity
	)

	BeforeEach(func() {
		fake = clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		var err error
		verifier, err = auth.NewJWT(&auth.JWTConfig{
			Secret: []byte("s3cret"),
			Issuer: "iot-hub",
			TTL:    time.Hour,
			Clock:  fake,
		})
		Expect(err).NotTo(HaveOccurred())
		user = auth.Identity{UserID: "42", Username: "ops", Email: "ops@example.com", Role: "admin"}
	})

	Describe("NewJWT", func() {
		It("should reject a nil config", func() {
			_, err := auth.NewJWT(nil)
			Expect(err).To(HaveOccurred())
		})

		It("should reject an empty secret", func() {
			_, err := auth.NewJWT(&auth.JWTConfig{})
			Expect(err).To(MatchError(ContainSubstring("secret cannot be empty")))
		})
	})

	It("should round trip an issued token", func() {
		token, err := verifier.Issue(user)
		Expect(err).NotTo(HaveOccurred())

		got, err := verifier.Verify(token)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(user))
	})

	It("should refuse to issue without a user id", func() {
		_, err := verifier.Issue(auth.Identity{Username: "anon"})
		Expect(err).To(HaveOccurred())
	})

	It("should report a missing token distinctly", func() {
		_, err := verifier.Verify("")
		Expect(err).To(MatchError(auth.ErrMissingToken))
	})

	It("should reject garbage", func() {
		_, err := verifier.Verify("not-a-jwt")
		Expect(err).To(MatchError(auth.ErrInvalidToken))
	})

	It("should reject tokens signed with another secret", func() {
		other, err := auth.NewJWT(&auth.JWTConfig{Secret: []byte("other"), Issuer: "iot-hub", Clock: fake})
		Expect(err).NotTo(HaveOccurred())
		token, err := other.Issue(user)
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(token)
		Expect(err).To(MatchError(auth.ErrInvalidToken))
	})

	It("should reject expired tokens", func() {
		token, err := verifier.Issue(user)
		Expect(err).NotTo(HaveOccurred())

		fake.Advance(time.Hour + time.Second)

		_, err = verifier.Verify(token)
		Expect(err).To(MatchError(auth.ErrInvalidToken))
		Expect(err.Error()).To(ContainSubstring("expired"))
	})

	It("should reject a foreign issuer", func() {
		other, err := auth.NewJWT(&auth.JWTConfig{Secret: []byte("s3cret"), Issuer: "elsewhere", Clock: fake})
		Expect(err).NotTo(HaveOccurred())
		token, err := other.Issue(user)
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(token)
		Expect(err).To(MatchError(auth.ErrInvalidToken))
	})

	It("should reject non-HMAC algorithms", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{UserID: "42"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(token)
		Expect(err).To(MatchError(auth.ErrInvalidToken))
	})
})
