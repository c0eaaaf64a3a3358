// Package rulesearch embeds the hybrid rule search engine in a Go program.
//
// A client loads a rules corpus, ranks it lexically with BM25 and
// semantically through a Valkey or Redis vector index, and fuses both
// rankings with reciprocal rank fusion.
//
//	client, err := rulesearch.New(ctx,
//	    rulesearch.WithValkey("localhost:6379", ""),
//	    rulesearch.WithCorpusFile("data/rules.json"),
//	    rulesearch.WithOpenAI(os.Getenv("OPENAI_API_KEY"), "", "text-embedding-3-small", 1536),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	fmt.Println(client.Answer(ctx, "how deep must a squat be?"))
//
// When the embedding provider or vector store fails at query time, results
// fall back to the lexical ranking and carry Degraded = true, unless
// WithStrictSemantic is set.
package rulesearch
