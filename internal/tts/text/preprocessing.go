// Package text provides input normalisation for the Kazakh TTS model.
//
// The acoustic model is character based and was trained on lower-case text,
// so everything it cannot pronounce (URLs, digits, typographic punctuation,
// control characters) is rewritten or dropped before the script is invoked.
package text

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	// NumberBaseTen represents the base for decimal number system.
	NumberBaseTen = 10
	// NumberBaseHundred represents the base for hundreds.
	NumberBaseHundred = 100
	// NumberBaseThousand represents the base for thousands.
	NumberBaseThousand = 1000
	// MaxNumberForWords represents the maximum number that can be converted to words.
	MaxNumberForWords = 999999
)

// Regex patterns for text preprocessing.
const (
	urlRegexPattern        = `https?://\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberRegexPattern     = `\d+(?:[.,]\d+)*`
	groupedRegexPattern    = `\b\d{1,3}(?:[ \x{202f}\x{2009}]\d{3})+(?:[.,]\d+)?\b`
	digitsRegexPattern     = `\d+`
	referenceRegexPattern  = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	whitespaceRegexPattern = `\s+`
	dashRegexPattern       = `\s*[—–‒]\s*`
	punctSpaceRegexPattern = ` ([,.!?;:])`
)

var (
	// ErrTextEmpty is returned when nothing speakable remains after normalisation.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrTextTooLong is returned when the normalised text exceeds the rune limit.
	ErrTextTooLong = errors.New("text is too long")
)

var kazakhOnes = [...]string{
	"", "бір", "екі", "үш", "төрт", "бес", "алты", "жеті", "сегіз", "тоғыз",
}

var kazakhTens = [...]string{
	"", "он", "жиырма", "отыз", "қырық", "елу", "алпыс", "жетпіс", "сексен", "тоқсан",
}

// kazakhDenominators names a fraction by its number of digits: tenths,
// hundredths and thousandths.
var kazakhDenominators = [...]string{"", "оннан", "жүзден", "мыңнан"}

const (
	kazakhZero     = "нөл"
	kazakhHundred  = "жүз"
	kazakhThousand = "мың"
	kazakhWhole    = "бүтін"
)

// Normalizer prepares raw user text for the TTS script.
type Normalizer struct {
	maxRunes int

	urlPattern        *regexp.Regexp
	emailPattern      *regexp.Regexp
	numberPattern     *regexp.Regexp
	groupedPattern    *regexp.Regexp
	digitsPattern     *regexp.Regexp
	referencePattern  *regexp.Regexp
	whitespacePattern *regexp.Regexp
	dashPattern       *regexp.Regexp
	punctSpacePattern *regexp.Regexp
	punctReplacer     *strings.Replacer
}

// NewNormalizer creates a normaliser. maxRunes <= 0 disables the length check.
func NewNormalizer(maxRunes int) *Normalizer {
	return &Normalizer{
		maxRunes:          maxRunes,
		urlPattern:        regexp.MustCompile(urlRegexPattern),
		emailPattern:      regexp.MustCompile(emailRegexPattern),
		numberPattern:     regexp.MustCompile(numberRegexPattern),
		groupedPattern:    regexp.MustCompile(groupedRegexPattern),
		digitsPattern:     regexp.MustCompile(digitsRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		dashPattern:       regexp.MustCompile(dashRegexPattern),
		punctSpacePattern: regexp.MustCompile(punctSpaceRegexPattern),
		punctReplacer: strings.NewReplacer(
			"…", "...",
			"«", `"`,
			"»", `"`,
			"“", `"`,
			"”", `"`,
			"„", `"`,
			"’", "'",
			"‘", "'",
			"\u00a0", " ",
		),
	}
}

// Normalize returns the text the model should speak.
func (n *Normalizer) Normalize(input string) (string, error) {
	result := norm.NFC.String(input)
	result = n.urlPattern.ReplaceAllString(result, " ")
	result = n.emailPattern.ReplaceAllString(result, " ")
	result = n.referencePattern.ReplaceAllString(result, "")
	result = n.dashPattern.ReplaceAllString(result, ", ")
	result = n.punctReplacer.Replace(result)
	result = n.groupedPattern.ReplaceAllStringFunc(result, func(match string) string {
		return n.readNumber(strings.Map(dropGroupSeparator, match))
	})
	result = n.numberPattern.ReplaceAllStringFunc(result, n.readNumber)
	result = stripControl(result)
	result = n.whitespacePattern.ReplaceAllString(result, " ")
	result = strings.TrimSpace(n.punctSpacePattern.ReplaceAllString(result, "$1"))
	result = cases.Lower(language.Kazakh).String(result)

	if result == "" {
		return "", ErrTextEmpty
	}

	if n.maxRunes > 0 {
		count := utf8.RuneCountInString(result)
		if count > n.maxRunes {
			return "", fmt.Errorf("%w: %d runes, limit %d", ErrTextTooLong, count, n.maxRunes)
		}
	}

	return result, nil
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return -1
		}

		return r
	}, s)
}

func dropGroupSeparator(r rune) rune {
	if r == ' ' || r == '\u202f' || r == '\u2009' {
		return -1
	}

	return r
}

// readNumber spells out an integer or a decimal fraction such as "3,5".
// Runs with more than one separator, like dates, are read one digit run at
// a time and keep their separators.
func (n *Normalizer) readNumber(match string) string {
	separator := strings.IndexAny(match, ".,")
	if separator < 0 {
		return numberToWords(match)
	}

	if strings.IndexAny(match[separator+1:], ".,") >= 0 {
		return n.digitsPattern.ReplaceAllStringFunc(match, numberToWords)
	}

	words, ok := decimalToWords(match[:separator], match[separator+1:])
	if !ok {
		return match
	}

	return " " + words + " "
}

// decimalToWords reads whole and fraction the Kazakh way: "3,5" becomes
// "үш бүтін оннан бес". Fractions longer than three digits are read digit by
// digit.
func decimalToWords(whole, fraction string) (string, bool) {
	wholeWords, ok := spell(whole)
	if !ok {
		return "", false
	}

	parts := []string{wholeWords, kazakhWhole}

	if len(fraction) < len(kazakhDenominators) {
		fractionWords, _ := spell(fraction)
		parts = append(parts, kazakhDenominators[len(fraction)], fractionWords)
	} else {
		for _, digit := range fraction {
			digitWords, _ := spell(string(digit))
			parts = append(parts, digitWords)
		}
	}

	return strings.Join(parts, " "), true
}

// numberToWords spells out a non-negative integer in Kazakh. Numbers above
// MaxNumberForWords are returned unchanged.
func numberToWords(digits string) string {
	words, ok := spell(digits)
	if !ok {
		return digits
	}

	return " " + words + " "
}

// spell returns the words for digits, or false when they are not a number
// up to MaxNumberForWords.
func spell(digits string) (string, bool) {
	num, err := strconv.Atoi(digits)
	if err != nil || num < 0 || num > MaxNumberForWords {
		return "", false
	}

	if num == 0 {
		return kazakhZero, true
	}

	var parts []string

	thousands := num / NumberBaseThousand
	if thousands > 0 {
		if thousands > 1 {
			parts = append(parts, belowThousand(thousands)...)
		}

		parts = append(parts, kazakhThousand)
	}

	parts = append(parts, belowThousand(num%NumberBaseThousand)...)

	return strings.Join(parts, " "), true
}

func belowThousand(num int) []string {
	var parts []string

	hundreds := num / NumberBaseHundred
	if hundreds > 0 {
		if hundreds > 1 {
			parts = append(parts, kazakhOnes[hundreds])
		}

		parts = append(parts, kazakhHundred)
	}

	rest := num % NumberBaseHundred
	if tens := rest / NumberBaseTen; tens > 0 {
		parts = append(parts, kazakhTens[tens])
	}

	if ones := rest % NumberBaseTen; ones > 0 {
		parts = append(parts, kazakhOnes[ones])
	}

	return parts
}
