package model

// MarketEventRow is the parquet schema used when a batch is shipped to object
// storage. Symbol keeps the venue notation; CanonicalSymbol is the Binance
// style symbol shared across venues.
type MarketEventRow struct {
	Exchange        string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market          string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol          string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CanonicalSymbol string `parquet:"name=canonical_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stream          string `parquet:"name=stream, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExchangeTime    int64  `parquet:"name=exchange_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedTime    int64  `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Payload         string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}
