// Package matcher はキャッシュにない識別子から電話番号の候補を推定する。
// 推定結果はヒントであり、確度をConfidenceとして明示する。
package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/phone"
)

// Confidence は推定結果の確度を表す。
type Confidence int

const (
	// ConfidenceNone は候補が得られなかったことを示す。
	ConfidenceNone Confidence = iota
	// ConfidenceLossy は桁数だけを根拠に切り詰めた推定であることを示す。
	ConfidenceLossy
	// ConfidenceHeuristic はLID内の数字列パターンから推定したことを示す。
	ConfidenceHeuristic
	// ConfidenceExact は電話番号由来の識別子から直接取り出したことを示す。
	ConfidenceExact
)

// String はfmt.Stringerを実装する。
func (c Confidence) String() string {
	switch c {
	case ConfidenceExact:
		return "exact"
	case ConfidenceHeuristic:
		return "heuristic"
	case ConfidenceLossy:
		return "lossy"
	default:
		return "none"
	}
}

// 推定に使われた手法。
const (
	StrategyPhoneDerived = "phone_derived"
	StrategyFixedOffset  = "fixed_offset"
	StrategyCountryRun   = "country_run"
	StrategyLocalRun     = "local_run"
	StrategyTruncated    = "truncated"
)

// Match は推定結果を表す。ConfidenceがNoneの場合はPhoneは空。
type Match struct {
	Phone      model.PhoneNumber
	Confidence Confidence
	Strategy   string
}

// Found は候補が得られたかどうかを返す。
func (m Match) Found() bool { return m.Confidence != ConfidenceNone }

// Config は番号体系の設定を保持する。
type Config struct {
	CountryCode     string // 国番号（例: "62"）
	TrunkPrefix     string // 国内プレフィックス（例: "0"）
	LocalPrefix     string // 国番号を除いた加入者番号の先頭（例: "8"）
	NationalLength  int    // これを超える長さの国内形式のみ国番号に置き換える
	CanonicalLength int    // 切り詰め推定時の桁数
}

// DefaultConfig はデフォルトの番号体系を返す。
func DefaultConfig() Config {
	return Config{
		CountryCode:     "62",
		TrunkPrefix:     "0",
		LocalPrefix:     "8",
		NationalLength:  10,
		CanonicalLength: 12,
	}
}

// 各手法で許容する桁数。
const (
	countryRunMin = 11
	countryRunMax = 13
	localRunMin   = 9
	localRunMax   = 11
	windowLength  = 12
)

// Matcher は識別子から電話番号を推定する。状態を持たず、同じ入力には同じ結果を返す。
type Matcher struct {
	cfg        Config
	countryRun *regexp.Regexp
	localRun   *regexp.Regexp
}

// New は新しいMatcherを生成する。
func New(cfg Config) (*Matcher, error) {
	if cfg.CountryCode == "" || len(cfg.CountryCode) >= countryRunMin {
		return nil, fmt.Errorf("invalid country code %q", cfg.CountryCode)
	}
	if cfg.LocalPrefix == "" || len(cfg.LocalPrefix) >= localRunMin {
		return nil, fmt.Errorf("invalid local prefix %q", cfg.LocalPrefix)
	}
	if cfg.CanonicalLength < phone.MinDigits || cfg.CanonicalLength > phone.MaxDigits {
		return nil, fmt.Errorf("invalid canonical length %d", cfg.CanonicalLength)
	}

	cc := len(cfg.CountryCode)
	lp := len(cfg.LocalPrefix)
	return &Matcher{
		cfg: cfg,
		countryRun: regexp.MustCompile(fmt.Sprintf(`%s\d{%d,%d}`,
			regexp.QuoteMeta(cfg.CountryCode), countryRunMin-cc, countryRunMax-cc)),
		localRun: regexp.MustCompile(fmt.Sprintf(`%s\d{%d,%d}`,
			regexp.QuoteMeta(cfg.LocalPrefix), localRunMin-lp, localRunMax-lp)),
	}, nil
}

// Match は識別子から電話番号の候補を推定する。先に一致した手法の結果を返す。
func (m *Matcher) Match(id model.Identifier) Match {
	user := id.User()
	if user == "" {
		return Match{}
	}

	switch id.Kind() {
	case model.KindPhoneDerived:
		return m.matchPhoneDerived(user)
	case model.KindOpaque:
		return m.matchOpaque(user)
	default:
		return Match{}
	}
}

// Matches は識別子から推定した電話番号が指定の番号と一致するかを返す。
// 桁数だけを根拠にしたConfidenceLossyの推定は一致とみなさない。
func (m *Matcher) Matches(id model.Identifier, p model.PhoneNumber) bool {
	got := m.Match(id)
	return got.Confidence >= ConfidenceHeuristic && got.Phone == p
}

// NationalToInternational は国内形式（先頭が国内プレフィックス）の番号を国番号付きに置き換える。
// 国内形式でない場合はそのまま返す。
func (m *Matcher) NationalToInternational(digits string) string {
	if m.cfg.TrunkPrefix != "" && strings.HasPrefix(digits, m.cfg.TrunkPrefix) && len(digits) > m.cfg.NationalLength {
		return m.cfg.CountryCode + strings.TrimPrefix(digits, m.cfg.TrunkPrefix)
	}
	return digits
}

func (m *Matcher) matchPhoneDerived(user string) Match {
	digits := phone.Digits(user)
	if digits != user || digits == "" {
		return Match{}
	}
	return Match{
		Phone:      model.PhoneNumber(m.NationalToInternational(digits)),
		Confidence: ConfidenceExact,
		Strategy:   StrategyPhoneDerived,
	}
}

func (m *Matcher) matchOpaque(user string) Match {
	digits := phone.Digits(user)

	// 固定オフセットの切り出し
	if len(user) >= windowLength {
		for _, w := range [][2]int{{0, 12}, {0, 13}, {1, 13}, {2, 14}} {
			s := window(user, w[0], w[1])
			if strings.HasPrefix(s, m.cfg.CountryCode) && isDigits(s) && len(s) >= countryRunMin && len(s) <= countryRunMax {
				return Match{Phone: model.PhoneNumber(s), Confidence: ConfidenceHeuristic, Strategy: StrategyFixedOffset}
			}
		}
	}

	if len(digits) >= phone.MinDigits {
		if run := m.countryRun.FindString(digits); run != "" {
			return Match{Phone: model.PhoneNumber(run), Confidence: ConfidenceHeuristic, Strategy: StrategyCountryRun}
		}
	}

	if run := m.localRun.FindString(digits); run != "" {
		return Match{
			Phone:      model.PhoneNumber(m.cfg.CountryCode + run),
			Confidence: ConfidenceHeuristic,
			Strategy:   StrategyLocalRun,
		}
	}

	if len(digits) >= phone.MinDigits && len(digits) <= phone.MaxDigits {
		n := m.cfg.CanonicalLength
		if n > len(digits) {
			n = len(digits)
		}
		return Match{Phone: model.PhoneNumber(digits[:n]), Confidence: ConfidenceLossy, Strategy: StrategyTruncated}
	}

	return Match{}
}

func window(s string, from, to int) string {
	if from >= len(s) {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}

func isDigits(s string) bool {
	return s != "" && phone.Digits(s) == s
}
