package cache

// Rank is a monotone-significance byte bounding whether a newly received
// datum may replace an existing cache entry (§3, §4.1, §8 axiom 10).
//
// The literal values for Bad, Insecure, NonAuth, Auth and Secure are taken
// verbatim from spec §3; AuthInsecure and NonAuthSecure are placed so that
// both exceed Auth, as §3 requires, without disturbing the others.
type Rank byte

const (
	RankBad           Rank = 0
	RankInsecure      Rank = 1
	RankNonAuth       Rank = 8
	RankAuth          Rank = 16
	RankAuthInsecure  Rank = 17 // attempted validation; still beats plain AUTH
	RankNonAuthSecure Rank = 32 // validated data beats unvalidated authority
	RankSecure        Rank = 64
)

// String renders the rank using the names from spec §3/§8.
func (r Rank) String() string {
	switch r {
	case RankBad:
		return "BAD"
	case RankInsecure:
		return "INSECURE"
	case RankNonAuth:
		return "NONAUTH"
	case RankAuth:
		return "AUTH"
	case RankAuthInsecure:
		return "AUTH_INSECURE"
	case RankNonAuthSecure:
		return "NONAUTH_SECURE"
	case RankSecure:
		return "SECURE"
	default:
		return "RANK(?)"
	}
}
