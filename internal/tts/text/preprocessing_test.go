package text_test

import (
	"testing"

	"github.com/book-expert/kaztts-service/internal/tts/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "lowercases cyrillic", input: "Сәлем, Әлем!", expected: "сәлем, әлем!"},
		{name: "kazakh specific letters", input: "ІЛІМ ҮЙ ҰЯ", expected: "ілім үй ұя"},
		{name: "collapses whitespace", input: "  бір\t\n  екі  ", expected: "бір екі"},
		{name: "year in words", input: "2025 жыл", expected: "екі мың жиырма бес жыл"},
		{name: "hundred", input: "100", expected: "жүз"},
		{name: "thousand", input: "1000", expected: "мың"},
		{name: "mixed thousands", input: "1500", expected: "мың бес жүз"},
		{name: "zero", input: "0", expected: "нөл"},
		{name: "glued digits", input: "№7автобус", expected: "№ жеті автобус"},
		{name: "large number kept", input: "1234567", expected: "1234567"},
		{name: "space grouped thousand", input: "1 000", expected: "мың"},
		{name: "space grouped amount", input: "12 500 теңге", expected: "он екі мың бес жүз теңге"},
		{name: "nbsp grouped", input: "3\u00a0200 адам", expected: "үш мың екі жүз адам"},
		{name: "narrow nbsp grouped", input: "45\u202f000", expected: "қырық бес мың"},
		{name: "grouped with fraction", input: "12 500,75", expected: "он екі мың бес жүз бүтін жүзден жетпіс бес"},
		{name: "decimal comma", input: "3,5", expected: "үш бүтін оннан бес"},
		{name: "decimal point", input: "0.25", expected: "нөл бүтін жүзден жиырма бес"},
		{name: "thousandths", input: "1,125", expected: "бір бүтін мыңнан жүз жиырма бес"},
		{name: "long fraction by digit", input: "3.1415", expected: "үш бүтін бір төрт бір бес"},
		{name: "comma separated list", input: "1, 2", expected: "бір, екі"},
		{name: "number before comma", input: "5, 6 және 7.", expected: "бес, алты және жеті."},
		{name: "sentence end", input: "Жыл 2025.", expected: "жыл екі мың жиырма бес."},
		{name: "date keeps separators", input: "12.05.2024", expected: "он екі. бес. екі мың жиырма төрт"},
		{name: "large decimal kept", input: "1234567,5", expected: "1234567,5"},
		{name: "drops url", input: "Көріңіз https://example.com/page сайтын", expected: "көріңіз сайтын"},
		{name: "drops email", input: "Хат: info@example.kz жіберіңіз", expected: "хат: жіберіңіз"},
		{name: "drops references", input: "Ақпарат[1] — маңызды…", expected: "ақпарат, маңызды..."},
		{name: "plain quotes", input: "«Абай» жолы", expected: `"абай" жолы`},
		{name: "strips control", input: "а\x00б\x07в", expected: "абв"},
	}

	normalizer := text.NewNormalizer(0)

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result, err := normalizer.Normalize(testCase.input)
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, result)
		})
	}
}

func TestNormalizer_EmptyInput(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer(10)

	for _, input := range []string{"", "   ", "\x00\x01", "[3]"} {
		_, err := normalizer.Normalize(input)
		require.ErrorIs(t, err, text.ErrTextEmpty, "input %q", input)
	}
}

func TestNormalizer_TooLong(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer(5)

	_, err := normalizer.Normalize("сәлем әлем")
	require.ErrorIs(t, err, text.ErrTextTooLong)

	result, err := normalizer.Normalize("сәлем")
	require.NoError(t, err)
	assert.Equal(t, "сәлем", result)
}
